package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/example/service-dispatch/internal/dispatcherr"
	"github.com/example/service-dispatch/internal/models"
)

const requestColumns = `id, requester_id, category, origin_lat, origin_lng, detail, radius_m, round, candidates, assigned_provider_id, status, created_at, updated_at`

// qualified variant for statements that join against a pre-image subquery.
const requestColumnsQ = `r.id, r.requester_id, r.category, r.origin_lat, r.origin_lng, r.detail, r.radius_m, r.round, r.candidates, r.assigned_provider_id, r.status, r.created_at, r.updated_at`

// PostgresStore implements Store on lib/pq. All lifecycle mutations are
// conditional UPDATEs keyed on the current state, never read-then-write.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.ServiceRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO service_requests(`+requestColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.RequesterID, r.Category, r.Origin.Lat, r.Origin.Lng, r.Detail, r.RadiusM,
		r.Round, pq.Array(r.Candidates), nullableID(r.AssignedProviderID), string(r.Status), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.KindStoreFailure, "request insert failed", err)
	}
	return nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id=$1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dispatcherr.Newf(dispatcherr.KindNotFound, "request %s not found", id)
	}
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.KindStoreFailure, "request lookup failed", err)
	}
	return r, nil
}

func (p *PostgresStore) Assign(ctx context.Context, requestID, providerID string) (*models.ServiceRequest, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE service_requests
		SET status=$3, assigned_provider_id=$2, updated_at=now()
		WHERE id=$1 AND status=$4 AND assigned_provider_id IS NULL
		RETURNING `+requestColumns,
		requestID, providerID, string(models.StatusAccepted), string(models.StatusPendingNotification))
	r, err := scanRequest(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, dispatcherr.Wrap(dispatcherr.KindStoreFailure, "assignment update failed", err)
	}
	// Condition not met: re-read once, only to classify the loss.
	cur, gerr := p.GetRequest(ctx, requestID)
	if gerr != nil {
		return nil, gerr
	}
	if cur.AssignedProviderID != nil || cur.Status.Assigned() {
		return nil, dispatcherr.New(dispatcherr.KindAlreadyAssigned, "request already assigned")
	}
	return nil, dispatcherr.Newf(dispatcherr.KindInvalidTransition, "request is %s", cur.Status)
}

// Transition locks the row first so the returned pre-image assignment is the
// one the transition actually superseded, not a value from an earlier
// snapshot that a concurrent Assign may have outrun.
func (p *PostgresStore) Transition(ctx context.Context, requestID string, from []models.Status, to models.Status) (*models.ServiceRequest, string, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}
	row := p.db.QueryRowContext(ctx, `UPDATE service_requests r
		SET status=$2,
		    assigned_provider_id = CASE WHEN $4 THEN assigned_provider_id ELSE NULL END,
		    updated_at=now()
		FROM (SELECT assigned_provider_id AS prior FROM service_requests WHERE id=$1 FOR UPDATE) prev
		WHERE r.id=$1 AND r.status = ANY($3)
		RETURNING `+requestColumnsQ+`, prev.prior`,
		requestID, string(to), pq.Array(fromStrs), to.Assigned())
	r, prior, err := scanRequestWithPrior(row)
	if err == nil {
		return r, prior, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, "", dispatcherr.Wrap(dispatcherr.KindStoreFailure, "transition update failed", err)
	}
	cur, gerr := p.GetRequest(ctx, requestID)
	if gerr != nil {
		return nil, "", gerr
	}
	return nil, "", dispatcherr.Newf(dispatcherr.KindInvalidTransition, "cannot move %s request to %s", cur.Status, to)
}

func (p *PostgresStore) MarkRejected(ctx context.Context, requestID, providerID string) (bool, error) {
	if _, err := p.GetRequest(ctx, requestID); err != nil {
		return false, err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE notifications
		SET status=$3, response='rejected'
		WHERE request_id=$1 AND provider_id=$2
		  AND round = (SELECT round FROM service_requests WHERE id=$1)`,
		requestID, providerID, string(models.NotificationResponded))
	if err != nil {
		return false, dispatcherr.Wrap(dispatcherr.KindStoreFailure, "rejection update failed", err)
	}
	var remaining int
	err = p.db.QueryRowContext(ctx, `SELECT count(*) FROM notifications
		WHERE request_id=$1
		  AND round = (SELECT round FROM service_requests WHERE id=$1)
		  AND response <> 'rejected'`, requestID).Scan(&remaining)
	if err != nil {
		return false, dispatcherr.Wrap(dispatcherr.KindStoreFailure, "rejection count failed", err)
	}
	return remaining == 0, nil
}

func (p *PostgresStore) Redispatch(ctx context.Context, requestID string, candidates []string) (*models.ServiceRequest, string, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE service_requests r
		SET round=round+1, candidates=$2, assigned_provider_id=NULL, status=$3, updated_at=now()
		FROM (SELECT assigned_provider_id AS prior FROM service_requests WHERE id=$1 FOR UPDATE) prev
		WHERE r.id=$1 AND r.status NOT IN ($4,$5)
		RETURNING `+requestColumnsQ+`, prev.prior`,
		requestID, pq.Array(candidates), string(models.StatusPendingNotification),
		string(models.StatusCompleted), string(models.StatusCancelled))
	r, prior, err := scanRequestWithPrior(row)
	if err == nil {
		return r, prior, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, "", dispatcherr.Wrap(dispatcherr.KindStoreFailure, "redispatch update failed", err)
	}
	cur, gerr := p.GetRequest(ctx, requestID)
	if gerr != nil {
		return nil, "", gerr
	}
	return nil, "", dispatcherr.Newf(dispatcherr.KindInvalidTransition, "cannot redispatch %s request", cur.Status)
}

func (p *PostgresStore) CreateNotifications(ctx context.Context, ns []models.Notification) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.KindStoreFailure, "notification tx begin failed", err)
	}
	defer tx.Rollback()
	for _, n := range ns {
		_, err := tx.ExecContext(ctx, `INSERT INTO notifications(id, request_id, provider_id, round, message, status, response, created_at)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
			n.ID, n.RequestID, n.ProviderID, n.Round, n.Message, string(n.Status), n.Response, n.CreatedAt)
		if err != nil {
			return dispatcherr.Wrap(dispatcherr.KindStoreFailure, "notification insert failed", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return dispatcherr.Wrap(dispatcherr.KindStoreFailure, "notification tx commit failed", err)
	}
	return nil
}

func (p *PostgresStore) ListNotifications(ctx context.Context, requestID string) ([]models.Notification, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, request_id, provider_id, round, message, status, response, created_at
		FROM notifications WHERE request_id=$1 ORDER BY created_at`, requestID)
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.KindStoreFailure, "notification list failed", err)
	}
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var status string
		if err := rows.Scan(&n.ID, &n.RequestID, &n.ProviderID, &n.Round, &n.Message, &status, &n.Response, &n.CreatedAt); err != nil {
			return nil, dispatcherr.Wrap(dispatcherr.KindStoreFailure, "notification scan failed", err)
		}
		n.Status = models.NotificationStatus(status)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.KindStoreFailure, "notification list failed", err)
	}
	return out, nil
}

func (p *PostgresStore) MarkNotification(ctx context.Context, requestID, providerID string, status models.NotificationStatus, response string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE notifications SET status=$3, response=$4
		WHERE request_id=$1 AND provider_id=$2`,
		requestID, providerID, string(status), response)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.KindStoreFailure, "notification update failed", err)
	}
	return nil
}

func (p *PostgresStore) UpsertLocation(ctx context.Context, loc models.LiveLocation) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO live_locations(request_id, provider_id, lat, lng, updated_at)
		VALUES($1,$2,$3,$4,now())
		ON CONFLICT (request_id) DO UPDATE SET provider_id=$2, lat=$3, lng=$4, updated_at=now()`,
		loc.RequestID, loc.ProviderID, loc.Loc.Lat, loc.Loc.Lng)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.KindStoreFailure, "location upsert failed", err)
	}
	return nil
}

func (p *PostgresStore) GetLocation(ctx context.Context, requestID string) (models.LiveLocation, bool, error) {
	var loc models.LiveLocation
	err := p.db.QueryRowContext(ctx, `SELECT request_id, provider_id, lat, lng, updated_at
		FROM live_locations WHERE request_id=$1`, requestID).
		Scan(&loc.RequestID, &loc.ProviderID, &loc.Loc.Lat, &loc.Loc.Lng, &loc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LiveLocation{}, false, nil
	}
	if err != nil {
		return models.LiveLocation{}, false, dispatcherr.Wrap(dispatcherr.KindStoreFailure, "location lookup failed", err)
	}
	return loc, true, nil
}

func (p *PostgresStore) DeleteLocation(ctx context.Context, requestID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM live_locations WHERE request_id=$1`, requestID)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.KindStoreFailure, "location delete failed", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.ServiceRequest, error) {
	var r models.ServiceRequest
	var status string
	var assigned sql.NullString
	var candidates pq.StringArray
	err := row.Scan(&r.ID, &r.RequesterID, &r.Category, &r.Origin.Lat, &r.Origin.Lng, &r.Detail,
		&r.RadiusM, &r.Round, &candidates, &assigned, &status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Candidates = []string(candidates)
	r.Status = models.Status(status)
	if assigned.Valid {
		r.AssignedProviderID = &assigned.String
	}
	return &r, nil
}

func scanRequestWithPrior(row rowScanner) (*models.ServiceRequest, string, error) {
	var r models.ServiceRequest
	var status string
	var assigned, prior sql.NullString
	var candidates pq.StringArray
	err := row.Scan(&r.ID, &r.RequesterID, &r.Category, &r.Origin.Lat, &r.Origin.Lng, &r.Detail,
		&r.RadiusM, &r.Round, &candidates, &assigned, &status, &r.CreatedAt, &r.UpdatedAt, &prior)
	if err != nil {
		return nil, "", err
	}
	r.Candidates = []string(candidates)
	r.Status = models.Status(status)
	if assigned.Valid {
		r.AssignedProviderID = &assigned.String
	}
	return &r, prior.String, nil
}

func nullableID(id *string) any {
	if id == nil {
		return nil
	}
	return *id
}
