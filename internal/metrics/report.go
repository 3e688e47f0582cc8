package metrics

import (
	"context"
	"time"

	"overdrive/internal/bus"
	"overdrive/internal/logging"
	"overdrive/internal/store"
)

// ReportSession is the standard end-of-session report type.
const ReportSession = "session"

// SessionReport is the persisted summary of one session's metrics.
type SessionReport struct {
	Type        string             `json:"type"`
	SessionID   string             `json:"session_id"`
	ProjectID   string             `json:"project_id"`
	GeneratedAt time.Time          `json:"generated_at"`
	Elapsed     time.Duration      `json:"elapsed"`
	Counters    map[string]float64 `json:"counters"`
	Quality     QualityScore       `json:"quality"`
	Craziness   CrazinessScore     `json:"craziness"`
}

func (c *Collector) reportKey(reportType string) []string {
	return []string{"autonomous", "reports", c.projectID, c.sessionID, reportType}
}

// Report builds the typed report from the current counters, persists it
// when a KV store is wired, and publishes report.generated plus
// metrics.updated. An empty type defaults to the session report.
func (c *Collector) Report(ctx context.Context, reportType string) (*SessionReport, error) {
	if reportType == "" {
		reportType = ReportSession
	}

	quality := c.QualityScore()
	craziness := c.CrazinessScore()

	c.mu.Lock()
	rep := &SessionReport{
		Type:        reportType,
		SessionID:   c.sessionID,
		ProjectID:   c.projectID,
		GeneratedAt: c.now(),
		Elapsed:     c.now().Sub(c.startedAt),
		Counters:    c.flattenCountersLocked(),
		Quality:     quality,
		Craziness:   craziness,
	}
	c.mu.Unlock()

	if c.kv != nil {
		if err := store.WriteJSON(ctx, c.kv, c.reportKey(reportType), rep); err != nil {
			return nil, err
		}
	}
	if c.bus != nil {
		c.bus.Publish(bus.ReportGenerated, bus.ReportPayload{
			SessionID:  c.sessionID,
			ReportType: reportType,
		})
		c.bus.Publish(bus.MetricsUpdated, bus.MetricsPayload{
			SessionID: c.sessionID,
			Quality:   quality.Total,
			Craziness: craziness.Total,
		})
	}
	logging.Metrics("report %s: quality %.1f, craziness %.1f (%s)",
		reportType, quality.Total, craziness.Total, craziness.Level)
	return rep, nil
}

// LoadReport reads a previously persisted report.
func (c *Collector) LoadReport(ctx context.Context, reportType string) (*SessionReport, error) {
	if c.kv == nil {
		return nil, store.ErrNotFound
	}
	if reportType == "" {
		reportType = ReportSession
	}
	var rep SessionReport
	if err := store.ReadJSON(ctx, c.kv, c.reportKey(reportType), &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}
