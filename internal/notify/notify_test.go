package notify

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/store"
)

type flakyTransport struct {
	fail map[string]bool
	sent []string
}

func (f *flakyTransport) Send(_ context.Context, providerID string, _ []byte) error {
	if f.fail[providerID] {
		return errors.New("unreachable")
	}
	f.sent = append(f.sent, providerID)
	return nil
}

func pendingRequest() *models.ServiceRequest {
	return &models.ServiceRequest{
		ID:       "r1",
		Category: "plumbing",
		Detail:   "leak",
		Round:    1,
		Status:   models.StatusPendingNotification,
	}
}

func TestNotifyOneRecordPerCandidate(t *testing.T) {
	st := store.NewMemoryStore()
	tr := &flakyTransport{}
	f := NewFanout(st, tr, slog.Default())

	cands := []models.Candidate{{ID: "P1", DistanceM: 120}, {ID: "P2", DistanceM: 900}}
	delivered, err := f.Notify(context.Background(), pendingRequest(), cands)
	require.NoError(t, err)
	require.Equal(t, 2, delivered)
	require.Equal(t, []string{"P1", "P2"}, tr.sent)

	ns, err := st.ListNotifications(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, ns, 2)
	seen := map[string]bool{}
	for _, n := range ns {
		require.Equal(t, models.NotificationUnread, n.Status)
		require.Equal(t, 1, n.Round)
		require.NotEmpty(t, n.ID)
		require.False(t, seen[n.ProviderID], "duplicate notification for %s", n.ProviderID)
		seen[n.ProviderID] = true
	}
}

func TestNotifyPartialDeliveryIsNotFatal(t *testing.T) {
	st := store.NewMemoryStore()
	tr := &flakyTransport{fail: map[string]bool{"P2": true}}
	f := NewFanout(st, tr, slog.Default())

	cands := []models.Candidate{{ID: "P1"}, {ID: "P2"}, {ID: "P3"}}
	delivered, err := f.Notify(context.Background(), pendingRequest(), cands)
	require.NoError(t, err)
	require.Equal(t, 2, delivered)

	// unreachable candidate still has a record to poll
	ns, _ := st.ListNotifications(context.Background(), "r1")
	require.Len(t, ns, 3)
}

type failingNotificationStore struct{ store.NotificationStore }

func (failingNotificationStore) CreateNotifications(context.Context, []models.Notification) error {
	return errors.New("db down")
}

func TestNotifyStoreFailurePropagates(t *testing.T) {
	f := NewFanout(failingNotificationStore{}, &flakyTransport{}, slog.Default())
	_, err := f.Notify(context.Background(), pendingRequest(), []models.Candidate{{ID: "P1"}})
	require.Error(t, err)
}

func TestFallbackTransportUsesWSFirst(t *testing.T) {
	ws := NewWSRegistry()
	tr := &FallbackTransport{WS: ws, Push: nil}
	// no session and no push endpoint: delivery fails
	err := tr.Send(context.Background(), "P1", []byte("{}"))
	require.ErrorIs(t, err, ErrNoSession)
}
