// Package notify fans a service request out to its candidate providers. One
// Notification record is written per candidate; actual delivery is
// best-effort and a candidate that cannot be pushed to can still discover the
// job by polling, so individual send failures never fail the fanout.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/observability"
	"github.com/example/service-dispatch/internal/store"
)

// Transport delivers a payload to a single provider. Implementations must be
// safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, providerID string, payload []byte) error
}

// OfferPayload is what a candidate receives for a new request round.
type OfferPayload struct {
	RequestID string       `json:"request_id"`
	Category  string       `json:"category"`
	Origin    models.Coord `json:"origin"`
	Detail    string       `json:"detail"`
	DistanceM float64      `json:"distance_m,omitempty"`
	Round     int          `json:"round"`
}

type Fanout struct {
	Store     store.NotificationStore
	Transport Transport
	Logger    *slog.Logger
}

func NewFanout(st store.NotificationStore, tr Transport, logger *slog.Logger) *Fanout {
	return &Fanout{Store: st, Transport: tr, Logger: logger}
}

// Notify writes one notification per candidate and then attempts delivery.
// It returns how many candidates were actually reached. A non-nil error means
// the notification records could not be persisted; partial delivery is logged
// and counted, not returned as an error.
func (f *Fanout) Notify(ctx context.Context, req *models.ServiceRequest, candidates []models.Candidate) (int, error) {
	now := time.Now()
	ns := make([]models.Notification, 0, len(candidates))
	for _, c := range candidates {
		ns = append(ns, models.Notification{
			ID:         uuid.NewString(),
			RequestID:  req.ID,
			ProviderID: c.ID,
			Round:      req.Round,
			Message:    offerMessage(req),
			Status:     models.NotificationUnread,
			CreatedAt:  now,
		})
	}
	if err := f.Store.CreateNotifications(ctx, ns); err != nil {
		return 0, err
	}

	delivered := 0
	for _, c := range candidates {
		payload, _ := json.Marshal(OfferPayload{
			RequestID: req.ID,
			Category:  req.Category,
			Origin:    req.Origin,
			Detail:    req.Detail,
			DistanceM: c.DistanceM,
			Round:     req.Round,
		})
		if err := f.Transport.Send(ctx, c.ID, payload); err != nil {
			observability.NotifyFailures.Inc()
			f.Logger.Warn("notification delivery failed",
				"request_id", req.ID, "provider_id", c.ID, "error", err)
			continue
		}
		delivered++
		observability.NotifySent.Inc()
	}
	if delivered < len(candidates) {
		f.Logger.Info("partial fanout delivery",
			"request_id", req.ID, "delivered", delivered, "candidates", len(candidates))
	}
	return delivered, nil
}

func offerMessage(req *models.ServiceRequest) string {
	if req.Detail == "" {
		return "new " + req.Category + " request nearby"
	}
	return "new " + req.Category + " request: " + req.Detail
}
