package bigquery

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/angelmondragon/dispensary-engine/pkg/config"
)

func TestNewClientValidatesConfig(t *testing.T) {
	cases := []struct {
		name string
		gcp  config.GCPConfig
		cfg  config.BigQueryConfig
		want error
	}{
		{name: "project", cfg: config.BigQueryConfig{Dataset: "finance", EventsTable: "events"}, want: errProjectIDRequired},
		{name: "dataset", gcp: config.GCPConfig{ProjectID: "p"}, cfg: config.BigQueryConfig{EventsTable: "events"}, want: errDatasetRequired},
		{name: "table", gcp: config.GCPConfig{ProjectID: "p"}, cfg: config.BigQueryConfig{Dataset: "finance", EventsTable: "  "}, want: errTableNameRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewClient(context.Background(), tc.gcp, tc.cfg, nil); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestClientOptionsPrioritizesJSON(t *testing.T) {
	opts := clientOptions(config.GCPConfig{
		CredentialsJSON:        `{"dummy": "value"}`,
		ApplicationCredentials: "/tmp/creds",
	})
	if len(opts) != 1 {
		t.Fatalf("expected 1 option, got %d", len(opts))
	}
}

func TestClientOptionsEmpty(t *testing.T) {
	if opts := clientOptions(config.GCPConfig{}); len(opts) != 0 {
		t.Fatalf("expected 0 options when no credentials provided, got %d", len(opts))
	}
}

func TestSaverUsesEventIDAsInsertID(t *testing.T) {
	row := EventRow{EventID: "evt-1", EventType: "order.paid", OccurredAt: time.Now()}
	saver := saverFor(row)
	if saver.InsertID != "evt-1" {
		t.Fatalf("expected insert id evt-1, got %q", saver.InsertID)
	}
}

func TestNilClientIsNotInitialized(t *testing.T) {
	var c *Client
	if err := c.Ping(context.Background()); !errors.Is(err, errClientNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
	if err := c.InsertEvent(context.Background(), EventRow{}); !errors.Is(err, errClientNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close nil client: %v", err)
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(&googleapi.Error{Code: http.StatusNotFound}) {
		t.Fatalf("expected 404 to be not found")
	}
	if isNotFound(&googleapi.Error{Code: http.StatusForbidden}) {
		t.Fatalf("403 is not a missing table")
	}
}
