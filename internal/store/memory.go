package store

import (
	"context"
	"sync"
	"time"

	"github.com/example/service-dispatch/internal/dispatcherr"
	"github.com/example/service-dispatch/internal/models"
)

// MemoryStore implements Store with a single mutex. The lock scope of each
// method is what makes Assign and Transition atomic, mirroring the
// conditional-update guarantee PostgresStore gets from the database.
type MemoryStore struct {
	mu            sync.Mutex
	requests      map[string]*models.ServiceRequest
	notifications map[string][]models.Notification // by request ID
	locations     map[string]models.LiveLocation   // by request ID
	rejected      map[string]map[string]bool       // request ID -> provider IDs, reset per round
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:      make(map[string]*models.ServiceRequest),
		notifications: make(map[string][]models.Notification),
		locations:     make(map[string]models.LiveLocation),
		rejected:      make(map[string]map[string]bool),
	}
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *models.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneRequest(r)
	m.requests[r.ID] = cp
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, dispatcherr.Newf(dispatcherr.KindNotFound, "request %s not found", id)
	}
	return cloneRequest(r), nil
}

func (m *MemoryStore) Assign(_ context.Context, requestID, providerID string) (*models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return nil, dispatcherr.Newf(dispatcherr.KindNotFound, "request %s not found", requestID)
	}
	if r.Status == models.StatusPendingNotification && r.AssignedProviderID == nil {
		id := providerID
		r.AssignedProviderID = &id
		r.Status = models.StatusAccepted
		r.UpdatedAt = time.Now()
		return cloneRequest(r), nil
	}
	if r.AssignedProviderID != nil || r.Status.Assigned() {
		return nil, dispatcherr.New(dispatcherr.KindAlreadyAssigned, "request already assigned")
	}
	return nil, dispatcherr.Newf(dispatcherr.KindInvalidTransition, "request is %s", r.Status)
}

func (m *MemoryStore) Transition(_ context.Context, requestID string, from []models.Status, to models.Status) (*models.ServiceRequest, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return nil, "", dispatcherr.Newf(dispatcherr.KindNotFound, "request %s not found", requestID)
	}
	if !statusIn(r.Status, from) {
		return nil, "", dispatcherr.Newf(dispatcherr.KindInvalidTransition, "cannot move %s request to %s", r.Status, to)
	}
	prior := ""
	if r.AssignedProviderID != nil {
		prior = *r.AssignedProviderID
	}
	r.Status = to
	if !to.Assigned() {
		r.AssignedProviderID = nil
	}
	r.UpdatedAt = time.Now()
	return cloneRequest(r), prior, nil
}

func (m *MemoryStore) MarkRejected(_ context.Context, requestID, providerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return false, dispatcherr.Newf(dispatcherr.KindNotFound, "request %s not found", requestID)
	}
	set := m.rejected[requestID]
	if set == nil {
		set = make(map[string]bool)
		m.rejected[requestID] = set
	}
	set[providerID] = true
	for _, c := range r.Candidates {
		if !set[c] {
			return false, nil
		}
	}
	return true, nil
}

func (m *MemoryStore) Redispatch(_ context.Context, requestID string, candidates []string) (*models.ServiceRequest, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return nil, "", dispatcherr.Newf(dispatcherr.KindNotFound, "request %s not found", requestID)
	}
	if r.Status == models.StatusCompleted || r.Status == models.StatusCancelled {
		return nil, "", dispatcherr.Newf(dispatcherr.KindInvalidTransition, "cannot redispatch %s request", r.Status)
	}
	prior := ""
	if r.AssignedProviderID != nil {
		prior = *r.AssignedProviderID
	}
	r.Round++
	r.Candidates = append([]string(nil), candidates...)
	r.AssignedProviderID = nil
	r.Status = models.StatusPendingNotification
	r.UpdatedAt = time.Now()
	delete(m.rejected, requestID)
	return cloneRequest(r), prior, nil
}

func (m *MemoryStore) CreateNotifications(_ context.Context, ns []models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range ns {
		m.notifications[n.RequestID] = append(m.notifications[n.RequestID], n)
	}
	return nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, requestID string) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Notification(nil), m.notifications[requestID]...), nil
}

func (m *MemoryStore) MarkNotification(_ context.Context, requestID, providerID string, status models.NotificationStatus, response string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns := m.notifications[requestID]
	for i := range ns {
		if ns[i].ProviderID == providerID {
			ns[i].Status = status
			ns[i].Response = response
		}
	}
	return nil
}

func (m *MemoryStore) UpsertLocation(_ context.Context, loc models.LiveLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc.UpdatedAt = time.Now()
	m.locations[loc.RequestID] = loc
	return nil
}

func (m *MemoryStore) GetLocation(_ context.Context, requestID string) (models.LiveLocation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locations[requestID]
	return loc, ok, nil
}

func (m *MemoryStore) DeleteLocation(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locations, requestID)
	return nil
}

func statusIn(s models.Status, set []models.Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func cloneRequest(r *models.ServiceRequest) *models.ServiceRequest {
	cp := *r
	cp.Candidates = append([]string(nil), r.Candidates...)
	if r.AssignedProviderID != nil {
		id := *r.AssignedProviderID
		cp.AssignedProviderID = &id
	}
	return &cp
}
