package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/service-dispatch/internal/dispatcherr"
	"github.com/example/service-dispatch/internal/models"
)

func newPendingRequest(id string, candidates ...string) *models.ServiceRequest {
	return &models.ServiceRequest{
		ID:          id,
		RequesterID: "U1",
		Category:    "plumbing",
		Origin:      models.Coord{Lat: 24.86, Lng: 67.0},
		RadiusM:     3000,
		Round:       1,
		Candidates:  candidates,
		Status:      models.StatusPendingNotification,
	}
}

func TestCreateAndGetRequest(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.CreateRequest(ctx, newPendingRequest("r1", "P1")))

	got, err := m.GetRequest(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, models.StatusPendingNotification, got.Status)
	require.Nil(t, got.AssignedProviderID)

	_, err = m.GetRequest(ctx, "missing")
	require.True(t, dispatcherr.Is(err, dispatcherr.KindNotFound))
}

func TestAssignExactlyOneWinner(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	providers := []string{"P1", "P2", "P3", "P4", "P5", "P6", "P7", "P8"}
	require.NoError(t, m.CreateRequest(ctx, newPendingRequest("r1", providers...)))

	var wg sync.WaitGroup
	wins := make(chan string, len(providers))
	losses := make(chan error, len(providers))
	for _, p := range providers {
		wg.Add(1)
		go func(providerID string) {
			defer wg.Done()
			if _, err := m.Assign(ctx, "r1", providerID); err != nil {
				losses <- err
			} else {
				wins <- providerID
			}
		}(p)
	}
	wg.Wait()
	close(wins)
	close(losses)

	require.Len(t, wins, 1)
	require.Len(t, losses, len(providers)-1)
	for err := range losses {
		require.True(t, dispatcherr.Is(err, dispatcherr.KindAlreadyAssigned), "loss must be AlreadyAssigned, got %v", err)
	}

	winner := ""
	for w := range wins {
		winner = w
	}
	got, err := m.GetRequest(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, models.StatusAccepted, got.Status)
	require.NotNil(t, got.AssignedProviderID)
	require.Equal(t, winner, *got.AssignedProviderID)
}

func TestAssignOnTerminalIsInvalidTransition(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	req := newPendingRequest("r1", "P1")
	req.Status = models.StatusCancelled
	require.NoError(t, m.CreateRequest(ctx, req))

	_, err := m.Assign(ctx, "r1", "P1")
	require.True(t, dispatcherr.Is(err, dispatcherr.KindInvalidTransition))
}

func TestTransitionEnforcesPreconditionOrder(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.CreateRequest(ctx, newPendingRequest("r1", "P1")))

	// completed straight from pending is rejected
	_, _, err := m.Transition(ctx, "r1", []models.Status{models.StatusInProgress}, models.StatusCompleted)
	require.True(t, dispatcherr.Is(err, dispatcherr.KindInvalidTransition))
	got, _ := m.GetRequest(ctx, "r1")
	require.Equal(t, models.StatusPendingNotification, got.Status)

	_, err = m.Assign(ctx, "r1", "P1")
	require.NoError(t, err)
	_, _, err = m.Transition(ctx, "r1", []models.Status{models.StatusAccepted}, models.StatusArriving)
	require.NoError(t, err)
	_, _, err = m.Transition(ctx, "r1", []models.Status{models.StatusArriving, models.StatusAccepted}, models.StatusInProgress)
	require.NoError(t, err)
	updated, prior, err := m.Transition(ctx, "r1", []models.Status{models.StatusInProgress}, models.StatusCompleted)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, updated.Status)
	require.Equal(t, "P1", prior)
	// completed keeps the assignment per the assigned-iff-active invariant
	require.NotNil(t, updated.AssignedProviderID)

	// terminal state admits nothing further
	_, _, err = m.Transition(ctx, "r1", []models.Status{models.StatusCompleted}, models.StatusCancelled)
	require.True(t, dispatcherr.Is(err, dispatcherr.KindInvalidTransition))
}

func TestCancelClearsAssignment(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.CreateRequest(ctx, newPendingRequest("r1", "P1")))
	_, err := m.Assign(ctx, "r1", "P1")
	require.NoError(t, err)

	updated, prior, err := m.Transition(ctx, "r1",
		[]models.Status{models.StatusPendingNotification, models.StatusAccepted, models.StatusArriving, models.StatusInProgress},
		models.StatusCancelled)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, updated.Status)
	require.Nil(t, updated.AssignedProviderID)
	// the cleared assignment is reported back for the busy release
	require.Equal(t, "P1", prior)
}

func TestMarkRejectedDetectsLastCandidate(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.CreateRequest(ctx, newPendingRequest("r1", "P1", "P2")))

	all, err := m.MarkRejected(ctx, "r1", "P1")
	require.NoError(t, err)
	require.False(t, all)

	all, err = m.MarkRejected(ctx, "r1", "P2")
	require.NoError(t, err)
	require.True(t, all)
}

func TestRedispatchOpensNewRound(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.CreateRequest(ctx, newPendingRequest("r1", "P1")))
	_, err := m.MarkRejected(ctx, "r1", "P1")
	require.NoError(t, err)

	updated, prior, err := m.Redispatch(ctx, "r1", []string{"P2", "P3"})
	require.NoError(t, err)
	require.Equal(t, 2, updated.Round)
	require.Equal(t, []string{"P2", "P3"}, updated.Candidates)
	require.Nil(t, updated.AssignedProviderID)
	require.Empty(t, prior, "no assignment existed to supersede")
	require.Equal(t, models.StatusPendingNotification, updated.Status)

	// prior round's rejections do not leak into the new round
	all, err := m.MarkRejected(ctx, "r1", "P2")
	require.NoError(t, err)
	require.False(t, all)
}

func TestRedispatchReportsSupersededAssignment(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.CreateRequest(ctx, newPendingRequest("r1", "P1")))
	_, err := m.Assign(ctx, "r1", "P1")
	require.NoError(t, err)

	updated, prior, err := m.Redispatch(ctx, "r1", []string{"P2"})
	require.NoError(t, err)
	require.Equal(t, "P1", prior)
	require.Nil(t, updated.AssignedProviderID)
	require.Equal(t, models.StatusPendingNotification, updated.Status)
}

func TestRedispatchRejectedOnTerminal(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	req := newPendingRequest("r1", "P1")
	req.Status = models.StatusCompleted
	require.NoError(t, m.CreateRequest(ctx, req))

	_, _, err := m.Redispatch(ctx, "r1", []string{"P2"})
	require.True(t, dispatcherr.Is(err, dispatcherr.KindInvalidTransition))
}

func TestLocationUpsertGetDelete(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_, found, err := m.GetLocation(ctx, "r1")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, m.UpsertLocation(ctx, models.LiveLocation{RequestID: "r1", ProviderID: "P1", Loc: models.Coord{Lat: 1, Lng: 2}}))
	require.NoError(t, m.UpsertLocation(ctx, models.LiveLocation{RequestID: "r1", ProviderID: "P1", Loc: models.Coord{Lat: 3, Lng: 4}}))

	loc, found, err := m.GetLocation(ctx, "r1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, models.Coord{Lat: 3, Lng: 4}, loc.Loc)

	require.NoError(t, m.DeleteLocation(ctx, "r1"))
	// idempotent
	require.NoError(t, m.DeleteLocation(ctx, "r1"))
	_, found, _ = m.GetLocation(ctx, "r1")
	require.False(t, found)
}

func TestNotificationsRoundTrip(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	ns := []models.Notification{
		{ID: "n1", RequestID: "r1", ProviderID: "P1", Round: 1, Status: models.NotificationUnread},
		{ID: "n2", RequestID: "r1", ProviderID: "P2", Round: 1, Status: models.NotificationUnread},
	}
	require.NoError(t, m.CreateNotifications(ctx, ns))

	got, err := m.ListNotifications(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.NoError(t, m.MarkNotification(ctx, "r1", "P1", models.NotificationResponded, "accepted"))
	got, _ = m.ListNotifications(ctx, "r1")
	for _, n := range got {
		if n.ProviderID == "P1" {
			require.Equal(t, models.NotificationResponded, n.Status)
			require.Equal(t, "accepted", n.Response)
		} else {
			require.Equal(t, models.NotificationUnread, n.Status)
		}
	}
}
