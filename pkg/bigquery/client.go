package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/angelmondragon/dispensary-engine/pkg/config"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
)

const metadataCheckTimeout = 10 * time.Second

var (
	errProjectIDRequired    = errors.New("gcp project id is required")
	errDatasetRequired      = errors.New("bigquery dataset is required")
	errTableNameRequired    = errors.New("bigquery events table is required")
	errClientNotInitialized = errors.New("bigquery client not initialized")
)

// EventRow is one outbox event as stored in the warehouse table.
type EventRow struct {
	EventID       string    `bigquery:"event_id"`
	EventType     string    `bigquery:"event_type"`
	AggregateType string    `bigquery:"aggregate_type"`
	AggregateID   string    `bigquery:"aggregate_id"`
	Topic         string    `bigquery:"topic"`
	Payload       string    `bigquery:"payload"`
	OccurredAt    time.Time `bigquery:"occurred_at"`
	PublishedAt   time.Time `bigquery:"published_at"`
}

// Client streams outbox events into a single BigQuery table.
type Client struct {
	client *bigquery.Client
	table  *bigquery.Table
}

// NewClient creates a BigQuery client and verifies the dataset and events table exist.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.BigQueryConfig, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}
	datasetID := strings.TrimSpace(cfg.Dataset)
	if datasetID == "" {
		return nil, errDatasetRequired
	}
	tableID := strings.TrimSpace(cfg.EventsTable)
	if tableID == "" {
		return nil, errTableNameRequired
	}

	bqClient, err := bigquery.NewClient(ctx, projectID, clientOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}

	client := &Client{
		client: bqClient,
		table:  bqClient.Dataset(datasetID).Table(tableID),
	}
	if err := client.Ping(ctx); err != nil {
		_ = bqClient.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithField(ctx, "table", tableID), "bigquery client initialized")
	}
	return client, nil
}

func clientOptions(gcp config.GCPConfig) []option.ClientOption {
	var opts []option.ClientOption
	switch {
	case strings.TrimSpace(gcp.CredentialsJSON) != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(gcp.CredentialsJSON)))
	case strings.TrimSpace(gcp.ApplicationCredentials) != "":
		opts = append(opts, option.WithCredentialsFile(gcp.ApplicationCredentials))
	}
	return opts
}

// Ping checks the events table is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.table == nil {
		return errClientNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, metadataCheckTimeout)
	defer cancel()

	if _, err := c.table.Metadata(ctx); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("table %s.%s does not exist", c.table.DatasetID, c.table.TableID)
		}
		return fmt.Errorf("checking table %s.%s: %w", c.table.DatasetID, c.table.TableID, err)
	}
	return nil
}

// InsertEvent streams one row. The event id doubles as the insert id so
// a redelivered outbox row is deduplicated by BigQuery.
func (c *Client) InsertEvent(ctx context.Context, row EventRow) error {
	if c == nil || c.table == nil {
		return errClientNotInitialized
	}
	return c.table.Inserter().Put(ctx, saverFor(row))
}

func saverFor(row EventRow) *bigquery.StructSaver {
	return &bigquery.StructSaver{Struct: row, InsertID: row.EventID}
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr.Code == http.StatusNotFound
	}
	return false
}
