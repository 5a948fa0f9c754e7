// Package store persists service requests, notifications and live locations.
// The accept race is resolved here: Assign is a single conditional update and
// exactly one concurrent caller can win it. No component above this layer is
// allowed to "check first" and assume the answer held.
package store

import (
	"context"

	"github.com/example/service-dispatch/internal/models"
)

// RequestStore is the durable record of each request and its lifecycle state.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.ServiceRequest) error
	GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error)

	// Assign applies the accept transition atomically: it succeeds only if
	// the request is still pending_notification with no assigned provider.
	// Losers get KindAlreadyAssigned; transitions from a terminal or
	// otherwise ineligible state get KindInvalidTransition.
	Assign(ctx context.Context, requestID, providerID string) (*models.ServiceRequest, error)

	// Transition moves the request to the target status only if its current
	// status is in from. A cancelled target clears the assignment so the
	// assigned-iff-active invariant holds. prior is the provider assigned at
	// the moment the transition applied, empty if none; callers release busy
	// flags from prior, never from an earlier read of their own.
	Transition(ctx context.Context, requestID string, from []models.Status, to models.Status) (updated *models.ServiceRequest, prior string, err error)

	// MarkRejected records a candidate's rejection for the current round and
	// reports whether every candidate of that round has now rejected.
	MarkRejected(ctx context.Context, requestID, providerID string) (allRejected bool, err error)

	// Redispatch opens a new notification round: new candidate list, cleared
	// assignment, status back to pending_notification. Fails with
	// KindInvalidTransition on terminal requests. prior reports the provider
	// whose assignment the new round superseded, empty if none.
	Redispatch(ctx context.Context, requestID string, candidates []string) (updated *models.ServiceRequest, prior string, err error)
}

type NotificationStore interface {
	CreateNotifications(ctx context.Context, ns []models.Notification) error
	ListNotifications(ctx context.Context, requestID string) ([]models.Notification, error)
	MarkNotification(ctx context.Context, requestID, providerID string, status models.NotificationStatus, response string) error
}

// LocationStore holds at most one live position per request.
type LocationStore interface {
	UpsertLocation(ctx context.Context, loc models.LiveLocation) error
	GetLocation(ctx context.Context, requestID string) (models.LiveLocation, bool, error)
	// DeleteLocation is idempotent: deleting an absent row is not an error.
	DeleteLocation(ctx context.Context, requestID string) error
}

// Store is the full persistence surface the coordinator and tracker wire to.
type Store interface {
	RequestStore
	NotificationStore
	LocationStore
}
