// Package dispatch orchestrates the life of a service request: candidate
// search, fanout, the accept race, and lifecycle transitions. Authorization
// is decided here, before any store mutation; concurrency correctness is
// never decided here, only by the store's conditional updates.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/service-dispatch/internal/dispatcherr"
	"github.com/example/service-dispatch/internal/geo"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/notify"
	"github.com/example/service-dispatch/internal/observability"
	"github.com/example/service-dispatch/internal/store"
)

// Action is a caller-issued operation on an existing request.
type Action string

const (
	ActionAccept     Action = "accept"
	ActionReject     Action = "reject"
	ActionArriving   Action = "arriving"
	ActionInProgress Action = "in_progress"
	ActionCompleted  Action = "completed"
	ActionCancelled  Action = "cancelled"
)

// transitionFrom lists the states each lifecycle action may leave from.
var transitionFrom = map[Action][]models.Status{
	ActionArriving:   {models.StatusAccepted},
	ActionInProgress: {models.StatusArriving, models.StatusAccepted},
	ActionCompleted:  {models.StatusInProgress},
	ActionCancelled: {
		models.StatusPendingNotification, models.StatusAccepted,
		models.StatusArriving, models.StatusInProgress,
	},
}

var transitionTo = map[Action]models.Status{
	ActionArriving:   models.StatusArriving,
	ActionInProgress: models.StatusInProgress,
	ActionCompleted:  models.StatusCompleted,
	ActionCancelled:  models.StatusCancelled,
}

type Coordinator struct {
	Geo       geo.Geo
	Requests  store.RequestStore
	Locations store.LocationStore
	Notifier  store.NotificationStore
	Fanout    *notify.Fanout
	Logger    *slog.Logger

	DefaultRadiusM float64
	CandidateLimit int
	CreateTimeout  time.Duration
	RespondTimeout time.Duration
}

type CreateResult struct {
	RequestID     string        `json:"request_id"`
	Status        models.Status `json:"status"`
	NotifiedCount int           `json:"notified_count"`
	ProviderIDs   []string      `json:"provider_ids"`
}

// CreateRequest validates input, finds candidates, persists the request and
// fans out notifications. A request with zero eligible providers is still
// persisted, in terminal no_providers status, so the marketplace keeps its
// audit trail.
func (c *Coordinator) CreateRequest(ctx context.Context, requesterID, category string, origin models.Coord, radiusM float64, detail string) (*CreateResult, error) {
	if requesterID == "" {
		return nil, dispatcherr.New(dispatcherr.KindInvalidInput, "requester id is required")
	}
	if category == "" {
		return nil, dispatcherr.New(dispatcherr.KindInvalidInput, "category is required")
	}
	if !origin.Valid() {
		return nil, dispatcherr.Newf(dispatcherr.KindInvalidInput, "illegal coordinates %.4f,%.4f", origin.Lat, origin.Lng)
	}
	if radiusM <= 0 {
		radiusM = c.DefaultRadiusM
	}
	ctx, cancel := c.bound(ctx, c.CreateTimeout)
	defer cancel()

	cands, err := c.Geo.FindCandidates(ctx, category, origin.Lat, origin.Lng, radiusM, c.CandidateLimit)
	if err != nil {
		// Nothing persisted; the caller may retry.
		return nil, err
	}
	observability.CandidatesFound.Observe(float64(len(cands)))

	now := time.Now()
	req := &models.ServiceRequest{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		Category:    category,
		Origin:      origin,
		Detail:      detail,
		RadiusM:     radiusM,
		Round:       1,
		Status:      models.StatusPendingNotification,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(cands) == 0 {
		req.Status = models.StatusNoProviders
		if err := c.Requests.CreateRequest(ctx, req); err != nil {
			return nil, err
		}
		observability.RequestsCreated.WithLabelValues("no_providers").Inc()
		return &CreateResult{RequestID: req.ID, Status: req.Status, ProviderIDs: []string{}}, nil
	}

	ids := make([]string, len(cands))
	for i, cand := range cands {
		ids[i] = cand.ID
	}
	req.Candidates = ids
	if err := c.Requests.CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	// Fanout only after the request is durably committed, so a store failure
	// can never leave orphaned notifications.
	delivered, err := c.Fanout.Notify(ctx, req, cands)
	if err != nil {
		return nil, err
	}
	observability.RequestsCreated.WithLabelValues("dispatched").Inc()
	c.Logger.Info("request dispatched",
		"request_id", req.ID, "category", category, "candidates", len(ids), "delivered", delivered)
	return &CreateResult{RequestID: req.ID, Status: req.Status, NotifiedCount: delivered, ProviderIDs: ids}, nil
}

func (c *Coordinator) GetRequest(ctx context.Context, requestID string) (*models.ServiceRequest, error) {
	return c.Requests.GetRequest(ctx, requestID)
}

// Respond handles a candidate's accept or reject. Accept is won or lost by
// the store's atomic assignment, never by the read below, which exists only
// for the candidate-membership authorization check.
func (c *Coordinator) Respond(ctx context.Context, requestID, providerID string, action Action) (*models.ServiceRequest, error) {
	if action != ActionAccept && action != ActionReject {
		return nil, dispatcherr.Newf(dispatcherr.KindInvalidInput, "unknown response action %q", action)
	}
	ctx, cancel := c.bound(ctx, c.RespondTimeout)
	defer cancel()

	req, err := c.Requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !req.IsCandidate(providerID) {
		return nil, dispatcherr.New(dispatcherr.KindForbidden, "provider is not a candidate for this request")
	}

	if action == ActionReject {
		return c.reject(ctx, req, providerID)
	}

	updated, err := c.Requests.Assign(ctx, requestID, providerID)
	if err != nil {
		if dispatcherr.Is(err, dispatcherr.KindAlreadyAssigned) {
			observability.AcceptLosses.Inc()
		}
		return nil, err
	}
	observability.AcceptWins.Inc()
	if berr := c.Geo.SetBusy(ctx, providerID, true); berr != nil {
		c.Logger.Warn("busy flag update failed", "provider_id", providerID, "error", berr)
	}
	if nerr := c.Notifier.MarkNotification(ctx, requestID, providerID, models.NotificationResponded, "accepted"); nerr != nil {
		c.Logger.Warn("notification response update failed", "request_id", requestID, "error", nerr)
	}
	c.Logger.Info("request accepted", "request_id", requestID, "provider_id", providerID)
	return updated, nil
}

func (c *Coordinator) reject(ctx context.Context, req *models.ServiceRequest, providerID string) (*models.ServiceRequest, error) {
	allRejected, err := c.Requests.MarkRejected(ctx, req.ID, providerID)
	if err != nil {
		return nil, err
	}
	if nerr := c.Notifier.MarkNotification(ctx, req.ID, providerID, models.NotificationResponded, "rejected"); nerr != nil {
		c.Logger.Warn("notification response update failed", "request_id", req.ID, "error", nerr)
	}
	if allRejected {
		// Guarded on pending_notification: a concurrent accept still wins.
		updated, _, terr := c.Requests.Transition(ctx, req.ID,
			[]models.Status{models.StatusPendingNotification}, models.StatusRejectedByAll)
		if terr == nil {
			observability.Transitions.WithLabelValues(string(models.StatusRejectedByAll)).Inc()
			c.Logger.Info("all candidates rejected", "request_id", req.ID)
			return updated, nil
		}
		if !dispatcherr.Is(terr, dispatcherr.KindInvalidTransition) {
			return nil, terr
		}
	}
	return c.Requests.GetRequest(ctx, req.ID)
}

// Transition drives the post-accept lifecycle. Terminal transitions release
// the provider's busy flag and drop the live location stream.
func (c *Coordinator) Transition(ctx context.Context, requestID, actorID string, action Action) (*models.ServiceRequest, error) {
	from, ok := transitionFrom[action]
	if !ok {
		return nil, dispatcherr.Newf(dispatcherr.KindInvalidInput, "unknown transition action %q", action)
	}
	ctx, cancel := c.bound(ctx, c.RespondTimeout)
	defer cancel()

	req, err := c.Requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := authorizeTransition(req, actorID, action); err != nil {
		return nil, err
	}

	to := transitionTo[action]
	updated, prior, err := c.Requests.Transition(ctx, requestID, from, to)
	if err != nil {
		return nil, err
	}
	observability.Transitions.WithLabelValues(string(to)).Inc()

	if to == models.StatusCompleted || to == models.StatusCancelled {
		// prior comes from the store's pre-image, not the read above: an
		// accept that lands between the two must still get its busy release.
		if prior != "" {
			if berr := c.Geo.SetBusy(ctx, prior, false); berr != nil {
				c.Logger.Warn("busy flag release failed", "provider_id", prior, "error", berr)
			}
		}
		if derr := c.Locations.DeleteLocation(ctx, requestID); derr != nil {
			c.Logger.Warn("live location cleanup failed", "request_id", requestID, "error", derr)
		}
	}
	c.Logger.Info("request transitioned", "request_id", requestID, "to", string(to), "actor", actorID)
	return updated, nil
}

// Redispatch opens a fresh notification round for a request that went
// unclaimed. Only the requester may do this; a superseded assignment is
// cleared by the store and the provider's busy flag released here.
func (c *Coordinator) Redispatch(ctx context.Context, requestID, actorID string) (*CreateResult, error) {
	ctx, cancel := c.bound(ctx, c.CreateTimeout)
	defer cancel()

	req, err := c.Requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != actorID {
		return nil, dispatcherr.New(dispatcherr.KindForbidden, "only the requester may redispatch")
	}
	cands, err := c.Geo.FindCandidates(ctx, req.Category, req.Origin.Lat, req.Origin.Lng, req.RadiusM, c.CandidateLimit)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, dispatcherr.New(dispatcherr.KindInvalidTransition, "no eligible providers for a new round")
	}
	ids := make([]string, len(cands))
	for i, cand := range cands {
		ids[i] = cand.ID
	}
	updated, prior, err := c.Requests.Redispatch(ctx, requestID, ids)
	if err != nil {
		return nil, err
	}
	if prior != "" {
		if berr := c.Geo.SetBusy(ctx, prior, false); berr != nil {
			c.Logger.Warn("busy flag release failed", "provider_id", prior, "error", berr)
		}
	}
	delivered, err := c.Fanout.Notify(ctx, updated, cands)
	if err != nil {
		return nil, err
	}
	c.Logger.Info("request redispatched", "request_id", requestID, "round", updated.Round, "candidates", len(ids))
	return &CreateResult{RequestID: requestID, Status: updated.Status, NotifiedCount: delivered, ProviderIDs: ids}, nil
}

// SetProviderOnline toggles a provider's own availability. The busy flag is
// deliberately not reachable from here; only transition handlers touch it.
func (c *Coordinator) SetProviderOnline(ctx context.Context, providerID string, online bool) error {
	if err := c.Geo.SetOnline(ctx, providerID, online); err != nil {
		return err
	}
	if online {
		observability.ProvidersOnline.Inc()
	} else {
		observability.ProvidersOnline.Dec()
	}
	return nil
}

func authorizeTransition(req *models.ServiceRequest, actorID string, action Action) error {
	isRequester := req.RequesterID == actorID
	isAssigned := req.AssignedTo(actorID)
	if action == ActionCancelled {
		if isRequester || isAssigned {
			return nil
		}
		return dispatcherr.New(dispatcherr.KindForbidden, "caller may not cancel this request")
	}
	if req.AssignedProviderID != nil {
		if isAssigned {
			return nil
		}
		return dispatcherr.New(dispatcherr.KindForbidden, "caller is not the assigned provider")
	}
	// Not yet assigned: anyone related to the request gets the precise
	// InvalidTransition from the store; strangers are rejected here.
	if isRequester || req.IsCandidate(actorID) {
		return nil
	}
	return dispatcherr.New(dispatcherr.KindForbidden, "caller has no relationship with this request")
}

func (c *Coordinator) bound(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
