package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the pair is a legal WGS84 coordinate.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Status is the lifecycle state of a ServiceRequest.
type Status string

const (
	StatusPendingNotification Status = "pending_notification"
	StatusAccepted            Status = "accepted"
	StatusArriving            Status = "arriving"
	StatusInProgress          Status = "in_progress"
	StatusCompleted           Status = "completed"
	StatusCancelled           Status = "cancelled"
	StatusNoProviders         Status = "no_providers"
	StatusRejectedByAll       Status = "rejected_by_all"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoProviders, StatusRejectedByAll:
		return true
	}
	return false
}

// Assigned reports whether the status requires a non-nil assigned provider.
func (s Status) Assigned() bool {
	switch s {
	case StatusAccepted, StatusArriving, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Trackable reports whether live position reports are accepted in this state.
func (s Status) Trackable() bool {
	switch s {
	case StatusAccepted, StatusArriving, StatusInProgress:
		return true
	}
	return false
}

// ServiceRequest is the aggregate root of the dispatch engine. Candidates is
// immutable for a given round; a re-dispatch opens a new round with a fresh
// candidate list.
type ServiceRequest struct {
	ID                 string    `json:"id"`
	RequesterID        string    `json:"requester_id"`
	Category           string    `json:"category"`
	Origin             Coord     `json:"origin"`
	Detail             string    `json:"detail"`
	RadiusM            float64   `json:"radius_m"`
	Round              int       `json:"round"`
	Candidates         []string  `json:"candidates"`
	AssignedProviderID *string   `json:"assigned_provider_id,omitempty"`
	Status             Status    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// IsCandidate reports whether the provider was notified in the current round.
func (r *ServiceRequest) IsCandidate(providerID string) bool {
	for _, id := range r.Candidates {
		if id == providerID {
			return true
		}
	}
	return false
}

// AssignedTo reports whether providerID currently holds the assignment.
func (r *ServiceRequest) AssignedTo(providerID string) bool {
	return r.AssignedProviderID != nil && *r.AssignedProviderID == providerID
}

type Provider struct {
	ID       string    `json:"id"`
	Category string    `json:"category"`
	Loc      Coord     `json:"loc"`
	Online   bool      `json:"online"`
	Busy     bool      `json:"busy"`
	Updated  time.Time `json:"updated"`
}

// Candidate is a geo query hit: an eligible provider plus its distance from
// the request origin.
type Candidate struct {
	ID        string  `json:"id"`
	DistanceM float64 `json:"distance_m"`
}

type NotificationStatus string

const (
	NotificationUnread    NotificationStatus = "unread"
	NotificationRead      NotificationStatus = "read"
	NotificationResponded NotificationStatus = "responded"
)

type Notification struct {
	ID         string             `json:"id"`
	RequestID  string             `json:"request_id"`
	ProviderID string             `json:"provider_id"`
	Round      int                `json:"round"`
	Message    string             `json:"message"`
	Status     NotificationStatus `json:"status"`
	Response   string             `json:"response,omitempty"` // accepted | rejected
	CreatedAt  time.Time          `json:"created_at"`
}

// LiveLocation is the latest reported position for an active request.
// Upsert semantics: one row per request, latest write wins.
type LiveLocation struct {
	RequestID  string    `json:"request_id"`
	ProviderID string    `json:"provider_id"`
	Loc        Coord     `json:"loc"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PositionEvent is the wire shape published to Kafka for every provider
// position/availability update and consumed into the geo index.
type PositionEvent struct {
	ProviderID string    `json:"provider_id"`
	Category   string    `json:"category"`
	Loc        Coord     `json:"loc"`
	Online     bool      `json:"online"`
	Busy       bool      `json:"busy"`
	At         time.Time `json:"at"`
}
