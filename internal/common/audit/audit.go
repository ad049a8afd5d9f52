// Package audit records approval decisions and credential events so a
// tenant can later answer "why did this reply go out automatically".
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reviewflow/internal/common/database"
	"reviewflow/internal/common/logger"
)

// Event is one audit record. Payload carries the evaluated values
// (thresholds, matched keyword, gate reason) verbatim.
type Event struct {
	ID         string                 `json:"id"`
	TenantID   string                 `json:"tenantId"`
	WorkflowID string                 `json:"workflowId,omitempty"`
	Action     string                 `json:"action"`
	Outcome    string                 `json:"outcome"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Sink accepts audit events. Recording is best effort everywhere it is
// called; a sink failure never fails a workflow step.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// ElasticsearchSink indexes events into the configured audit index.
type ElasticsearchSink struct {
	es    *database.ElasticsearchClient
	index string
	log   logger.Logger
}

func NewElasticsearchSink(es *database.ElasticsearchClient, index string, log logger.Logger) *ElasticsearchSink {
	if index == "" {
		index = "reviewflow-audit"
	}
	return &ElasticsearchSink{es: es, index: index, log: log}
}

func (s *ElasticsearchSink) Record(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	res, err := s.es.Client.Index(
		s.index,
		bytes.NewReader(body),
		s.es.Client.Index.WithContext(ctx),
		s.es.Client.Index.WithDocumentID(event.ID),
	)
	if err != nil {
		return fmt.Errorf("index audit event: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("audit index rejected event: %s", res.Status())
	}

	s.log.Debug("audit event recorded", map[string]interface{}{
		"action":  event.Action,
		"outcome": event.Outcome,
	})
	return nil
}

// NoopSink drops events, for tests and deployments without Elasticsearch.
type NoopSink struct{}

func (NoopSink) Record(context.Context, Event) error { return nil }

// MemorySink collects events in order, for tests.
type MemorySink struct {
	Events []Event
}

func (s *MemorySink) Record(_ context.Context, event Event) error {
	s.Events = append(s.Events, event)
	return nil
}
