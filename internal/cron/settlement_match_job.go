package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/dispensary-engine/internal/settlements"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
)

type SettlementMatchJobParams struct {
	Logger      *logger.Logger
	Settlements settlementMatcher
}

type settlementMatcher interface {
	Match(ctx context.Context) (*settlements.MatchSummary, error)
}

// NewSettlementMatchJob builds the job that reconciles unmatched settlement lines.
func NewSettlementMatchJob(params SettlementMatchJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Settlements == nil {
		return nil, fmt.Errorf("settlements service required")
	}
	return &settlementMatchJob{logg: params.Logger, settlements: params.Settlements}, nil
}

type settlementMatchJob struct {
	logg        *logger.Logger
	settlements settlementMatcher
}

func (j *settlementMatchJob) Name() string { return "settlement-match" }

func (j *settlementMatchJob) Run(ctx context.Context) error {
	summary, err := j.settlements.Match(ctx)
	if summary != nil {
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"scanned":       summary.Scanned,
			"matched":       summary.Matched,
			"discrepancies": summary.Discrepancies,
			"unmatched":     summary.Unmatched,
			"reconciled":    summary.Reconciled,
		}), "settlement match pass complete")
	}
	if err != nil {
		return fmt.Errorf("match settlement lines: %w", err)
	}
	return nil
}
