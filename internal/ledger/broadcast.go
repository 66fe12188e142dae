package ledger

import (
	"context"
	"time"

	"github.com/roach88/calsync/internal/model"
)

// DeliveryReport is what the push delivery subsystem reports for one
// broadcast. Counts are recorded verbatim.
type DeliveryReport struct {
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Target    int       `json:"target_count"`
	Success   int       `json:"success_count"`
	Failure   int       `json:"failure_count"`
	Clicks    int       `json:"click_count"`
}

// RecordBroadcast appends a delivery report to the broadcast ledger.
func (l *Ledger) RecordBroadcast(ctx context.Context, rep DeliveryReport) (model.PushBroadcastRecord, error) {
	p, err := l.engine.SaveBroadcast(ctx, model.PushBroadcastRecord{
		Title:        rep.Title,
		Message:      rep.Message,
		Timestamp:    rep.Timestamp,
		TargetCount:  rep.Target,
		SuccessCount: rep.Success,
		FailureCount: rep.Failure,
		ClickCount:   rep.Clicks,
	})
	if err != nil {
		return model.PushBroadcastRecord{}, err
	}
	l.logger.Info("broadcast recorded", "id", p.ID, "target", p.TargetCount, "success", p.SuccessCount)
	return p, nil
}

// Broadcasts returns the broadcast ledger, newest first.
func (l *Ledger) Broadcasts(ctx context.Context) ([]model.PushBroadcastRecord, error) {
	return l.engine.LoadBroadcasts(ctx)
}

// UpdateClicks records a later click count for a broadcast. Click counts
// only grow; a lower report is ignored.
func (l *Ledger) UpdateClicks(ctx context.Context, id string, clicks int) (model.PushBroadcastRecord, error) {
	p, _, err := l.engine.UpdateBroadcast(ctx, id, func(p model.PushBroadcastRecord) (model.PushBroadcastRecord, bool, error) {
		if clicks <= p.ClickCount {
			return p, false, nil
		}
		p.ClickCount = clicks
		return p, true, nil
	})
	return p, err
}
