// Package track serves the live position of an assigned provider for the
// bounded window between acceptance and a terminal state.
package track

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/service-dispatch/internal/dispatcherr"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/observability"
	"github.com/example/service-dispatch/internal/store"
)

// Publisher receives every accepted position report; the Kafka producer
// implements it so the geo index follows the provider while on a job.
type Publisher interface {
	PublishPosition(ev models.PositionEvent) error
}

type Tracker struct {
	Requests  store.RequestStore
	Locations store.LocationStore
	Hub       *Hub
	Publisher Publisher // optional
	Logger    *slog.Logger
}

// ReportPosition upserts the latest position for an active request. Only the
// assigned provider of a request in accepted/arriving/in_progress may report.
func (t *Tracker) ReportPosition(ctx context.Context, requestID, providerID string, pos models.Coord) error {
	if !pos.Valid() {
		return dispatcherr.Newf(dispatcherr.KindInvalidInput, "illegal coordinates %.4f,%.4f", pos.Lat, pos.Lng)
	}
	req, err := t.Requests.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if !req.AssignedTo(providerID) || !req.Status.Trackable() {
		return dispatcherr.New(dispatcherr.KindForbidden, "caller is not tracking this request")
	}
	loc := models.LiveLocation{
		RequestID:  requestID,
		ProviderID: providerID,
		Loc:        pos,
		UpdatedAt:  time.Now(),
	}
	if err := t.Locations.UpsertLocation(ctx, loc); err != nil {
		return err
	}
	observability.PositionUpdates.Inc()
	if t.Hub != nil {
		t.Hub.Publish(requestID, loc)
	}
	if t.Publisher != nil {
		ev := models.PositionEvent{
			ProviderID: providerID,
			Category:   req.Category,
			Loc:        pos,
			Online:     true,
			Busy:       true,
			At:         loc.UpdatedAt,
		}
		if perr := t.Publisher.PublishPosition(ev); perr != nil {
			t.Logger.Warn("position publish failed", "provider_id", providerID, "error", perr)
		}
	}
	return nil
}

// GetPosition returns the latest reported position, or ok=false when nothing
// has been reported yet. Restricted to the requester and the assigned
// provider.
func (t *Tracker) GetPosition(ctx context.Context, requestID, callerID string) (models.LiveLocation, bool, error) {
	req, err := t.Requests.GetRequest(ctx, requestID)
	if err != nil {
		return models.LiveLocation{}, false, err
	}
	if err := authorizeViewer(req, callerID); err != nil {
		return models.LiveLocation{}, false, err
	}
	return t.Locations.GetLocation(ctx, requestID)
}

// StopTracking drops the position record. Idempotent: stopping an already
// stopped stream succeeds.
func (t *Tracker) StopTracking(ctx context.Context, requestID, callerID string) error {
	req, err := t.Requests.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if err := authorizeViewer(req, callerID); err != nil {
		return err
	}
	if err := t.Locations.DeleteLocation(ctx, requestID); err != nil {
		return err
	}
	if t.Hub != nil {
		t.Hub.CloseRequest(requestID)
	}
	return nil
}

// Subscribe authorizes callerID and attaches a hub subscription for the
// request's position stream.
func (t *Tracker) Subscribe(ctx context.Context, requestID, callerID string) error {
	req, err := t.Requests.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	return authorizeViewer(req, callerID)
}

func authorizeViewer(req *models.ServiceRequest, callerID string) error {
	if req.RequesterID == callerID || req.AssignedTo(callerID) {
		return nil
	}
	return dispatcherr.New(dispatcherr.KindForbidden, "caller may not view this request's location")
}
