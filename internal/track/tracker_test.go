package track

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/service-dispatch/internal/dispatcherr"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/store"
)

func newTracker(t *testing.T, status models.Status, assigned string) (*Tracker, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	req := &models.ServiceRequest{
		ID:          "r1",
		RequesterID: "U1",
		Category:    "plumbing",
		Candidates:  []string{"P1"},
		Status:      status,
	}
	if assigned != "" {
		req.AssignedProviderID = &assigned
	}
	require.NoError(t, st.CreateRequest(context.Background(), req))
	return &Tracker{Requests: st, Locations: st, Logger: slog.Default()}, st
}

func TestReportThenGetRoundTrip(t *testing.T) {
	tr, _ := newTracker(t, models.StatusAccepted, "P1")
	ctx := context.Background()

	require.NoError(t, tr.ReportPosition(ctx, "r1", "P1", models.Coord{Lat: 24.87, Lng: 67.01}))

	// requester sees the just-reported coordinates
	loc, found, err := tr.GetPosition(ctx, "r1", "U1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, models.Coord{Lat: 24.87, Lng: 67.01}, loc.Loc)
	require.Equal(t, "P1", loc.ProviderID)

	// latest write wins
	require.NoError(t, tr.ReportPosition(ctx, "r1", "P1", models.Coord{Lat: 24.88, Lng: 67.02}))
	loc, _, _ = tr.GetPosition(ctx, "r1", "P1")
	require.Equal(t, models.Coord{Lat: 24.88, Lng: 67.02}, loc.Loc)
}

func TestGetPositionByStrangerForbidden(t *testing.T) {
	tr, _ := newTracker(t, models.StatusAccepted, "P1")
	ctx := context.Background()
	require.NoError(t, tr.ReportPosition(ctx, "r1", "P1", models.Coord{Lat: 1, Lng: 2}))

	_, _, err := tr.GetPosition(ctx, "r1", "stranger")
	require.True(t, dispatcherr.Is(err, dispatcherr.KindForbidden))
}

func TestReportByNonAssignedForbidden(t *testing.T) {
	tr, _ := newTracker(t, models.StatusAccepted, "P1")
	err := tr.ReportPosition(context.Background(), "r1", "P2", models.Coord{Lat: 1, Lng: 2})
	require.True(t, dispatcherr.Is(err, dispatcherr.KindForbidden))
}

func TestReportOutsideActiveWindowForbidden(t *testing.T) {
	for _, status := range []models.Status{models.StatusPendingNotification, models.StatusCompleted, models.StatusCancelled} {
		assigned := ""
		if status == models.StatusCompleted {
			assigned = "P1"
		}
		tr, _ := newTracker(t, status, assigned)
		err := tr.ReportPosition(context.Background(), "r1", "P1", models.Coord{Lat: 1, Lng: 2})
		require.True(t, dispatcherr.Is(err, dispatcherr.KindForbidden), "status %s must refuse reports", status)
	}
}

func TestReportInvalidCoordinates(t *testing.T) {
	tr, _ := newTracker(t, models.StatusAccepted, "P1")
	err := tr.ReportPosition(context.Background(), "r1", "P1", models.Coord{Lat: 95, Lng: 0})
	require.True(t, dispatcherr.Is(err, dispatcherr.KindInvalidInput))
}

func TestGetPositionBeforeAnyReport(t *testing.T) {
	tr, _ := newTracker(t, models.StatusAccepted, "P1")
	_, found, err := tr.GetPosition(context.Background(), "r1", "U1")
	require.NoError(t, err, "no location yet is not an error")
	require.False(t, found)
}

func TestStopTrackingIdempotent(t *testing.T) {
	tr, _ := newTracker(t, models.StatusInProgress, "P1")
	ctx := context.Background()
	require.NoError(t, tr.ReportPosition(ctx, "r1", "P1", models.Coord{Lat: 1, Lng: 2}))

	require.NoError(t, tr.StopTracking(ctx, "r1", "U1"))
	require.NoError(t, tr.StopTracking(ctx, "r1", "U1"), "second stop must succeed")

	_, found, _ := tr.GetPosition(ctx, "r1", "U1")
	require.False(t, found)
}

func TestStopTrackingByStrangerForbidden(t *testing.T) {
	tr, _ := newTracker(t, models.StatusAccepted, "P1")
	err := tr.StopTracking(context.Background(), "r1", "stranger")
	require.True(t, dispatcherr.Is(err, dispatcherr.KindForbidden))
}

func TestLocationGoneAfterTerminalCleanup(t *testing.T) {
	// the coordinator deletes the location on completion; after that the
	// requester gets an explicit "no location" result
	tr, st := newTracker(t, models.StatusInProgress, "P1")
	ctx := context.Background()
	require.NoError(t, tr.ReportPosition(ctx, "r1", "P1", models.Coord{Lat: 1, Lng: 2}))

	_, _, err := st.Transition(ctx, "r1", []models.Status{models.StatusInProgress}, models.StatusCompleted)
	require.NoError(t, err)
	require.NoError(t, st.DeleteLocation(ctx, "r1"))

	_, found, err := tr.GetPosition(ctx, "r1", "U1")
	require.NoError(t, err)
	require.False(t, found)
}
