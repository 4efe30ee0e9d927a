package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vocab-cli/internal/config"
	"github.com/sells-group/vocab-cli/internal/resilience"
)

// minFinishedChunks is the sample size below which the failure rate is noise.
const minFinishedChunks = 5

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertChunkFailureRate AlertType = "chunk_failure_rate"
	AlertFailedItems      AlertType = "failed_items"
	AlertStalled          AlertType = "stalled"
	AlertCircuitOpen      AlertType = "circuit_open"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Check chunk failure rate.
	finished := snap.ChunksSucceeded + snap.ChunksFailed
	if finished >= minFinishedChunks && snap.ChunkFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertChunkFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Chunk failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.ChunkFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.ChunksFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.ChunkFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.ChunksFailed,
				"finished":     finished,
				"model":        snap.Model,
			},
			Timestamp: now,
		})
	}

	// Check items parked in an error state.
	if failed := snap.FailedItems(); a.cfg.MaxFailedItems > 0 && failed > a.cfg.MaxFailedItems {
		alerts = append(alerts, Alert{
			Type:     AlertFailedItems,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d item(s) in error state exceed limit %d",
				failed, a.cfg.MaxFailedItems,
			),
			Details: map[string]any{
				"classify_failed":  snap.Stats.ClassifyFailed,
				"translate_failed": snap.Stats.TranslateFailed,
				"limit":            a.cfg.MaxFailedItems,
			},
			Timestamp: now,
		})
	}

	// Check for a worker that is switched on but not draining.
	if snap.Running && snap.Backlog() > 0 && snap.BatchRuns == 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStalled,
			Severity: "high",
			Message: fmt.Sprintf(
				"Worker is running with %d pending item(s) but committed no batches in last %dh",
				snap.Backlog(), snap.LookbackHours,
			),
			Details: map[string]any{
				"classify_backlog":  snap.ClassifyBacklog,
				"translate_backlog": snap.TranslateBacklog,
			},
			Timestamp: now,
		})
	}

	// Check for a breaker that is holding work back.
	if snap.Circuit == resilience.CircuitOpen.String() {
		alerts = append(alerts, Alert{
			Type:     AlertCircuitOpen,
			Severity: "high",
			Message: fmt.Sprintf(
				"Circuit breaker open after %d consecutive failed chunk(s); dequeue is held",
				snap.ConsecutiveFailures,
			),
			Details: map[string]any{
				"consecutive_failures": snap.ConsecutiveFailures,
				"model":                snap.Model,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
