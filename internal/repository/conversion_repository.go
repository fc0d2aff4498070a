package repository

import (
    "context"
    "database/sql"
    "encoding/json"
    "errors"
    "time"

    "github.com/iliyamo/funnel-ingest/internal/model"
)

// ConversionRepo stores outbound conversion events.  Rows are never
// deleted; they double as the delivery audit trail.
type ConversionRepo struct {
    db *sql.DB
}

// NewConversionRepo returns a new ConversionRepo bound to the given database.
func NewConversionRepo(db *sql.DB) *ConversionRepo { return &ConversionRepo{db: db} }

const conversionColumns = `id, tenant_id, contact_id, event_name, event_time, event_id, user_data, custom_data, attempts, last_attempt_at, result, response, last_error, created_at`

func scanConversion(rs rowScanner) (model.ConversionEvent, error) {
    var (
        ev          model.ConversionEvent
        contactID   sql.NullInt64
        userData    []byte
        customData  []byte
        lastAttempt sql.NullTime
        response    []byte
        lastErr     sql.NullString
    )
    err := rs.Scan(&ev.ID, &ev.TenantID, &contactID, &ev.EventName, &ev.EventTime, &ev.EventID, &userData, &customData,
        &ev.Attempts, &lastAttempt, &ev.Result, &response, &lastErr, &ev.CreatedAt)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) {
            return model.ConversionEvent{}, ErrNotFound
        }
        return model.ConversionEvent{}, err
    }
    if contactID.Valid {
        id := uint64(contactID.Int64)
        ev.ContactID = &id
    }
    if len(userData) > 0 {
        if err := json.Unmarshal(userData, &ev.UserData); err != nil {
            return model.ConversionEvent{}, err
        }
    }
    if len(customData) > 0 {
        if err := json.Unmarshal(customData, &ev.CustomData); err != nil {
            return model.ConversionEvent{}, err
        }
    }
    if lastAttempt.Valid {
        t := lastAttempt.Time
        ev.LastAttemptAt = &t
    }
    ev.Response = response
    ev.LastError = nullStr(lastErr)
    return ev, nil
}

// Create inserts ev and populates its ID.  ErrDuplicate means an event
// with the same idempotency id is already queued.
func (r *ConversionRepo) Create(ctx context.Context, ev *model.ConversionEvent) error {
    userData, err := json.Marshal(ev.UserData)
    if err != nil {
        return err
    }
    customData, err := json.Marshal(ev.CustomData)
    if err != nil {
        return err
    }
    res, err := r.db.ExecContext(ctx,
        `INSERT INTO conversion_events (tenant_id, contact_id, event_name, event_time, event_id, user_data, custom_data, attempts, result)
         VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
        ev.TenantID, ev.ContactID, ev.EventName, ev.EventTime.UTC(), ev.EventID, string(userData), string(customData), ev.Result)
    if err != nil {
        return translate(err)
    }
    id, err := res.LastInsertId()
    if err != nil {
        return err
    }
    ev.ID = uint64(id)
    return nil
}

// GetByID fetches a conversion event by id.
func (r *ConversionRepo) GetByID(ctx context.Context, id uint64) (model.ConversionEvent, error) {
    row := r.db.QueryRowContext(ctx, "SELECT "+conversionColumns+" FROM conversion_events WHERE id = ? LIMIT 1", id)
    return scanConversion(row)
}

// GetByEventID fetches a conversion event by its idempotency id.
func (r *ConversionRepo) GetByEventID(ctx context.Context, tenantID uint64, eventID string) (model.ConversionEvent, error) {
    row := r.db.QueryRowContext(ctx,
        "SELECT "+conversionColumns+" FROM conversion_events WHERE tenant_id = ? AND event_id = ? LIMIT 1", tenantID, eventID)
    return scanConversion(row)
}

// RecordAttempt increments the attempt counter and stores the outcome of
// one delivery try.
func (r *ConversionRepo) RecordAttempt(ctx context.Context, id uint64, at time.Time, result string, response []byte, lastErr *string) error {
    _, err := r.db.ExecContext(ctx,
        `UPDATE conversion_events
         SET attempts = attempts + 1, last_attempt_at = ?, result = ?, response = ?, last_error = ?
         WHERE id = ?`,
        at.UTC(), result, nullJSON(response), lastErr, id)
    return err
}

// ListUndelivered returns events that are not delivered and have fewer
// than maxAttempts attempts, oldest first.
func (r *ConversionRepo) ListUndelivered(ctx context.Context, maxAttempts, limit int) ([]model.ConversionEvent, error) {
    return r.list(ctx,
        "SELECT "+conversionColumns+" FROM conversion_events WHERE result <> ? AND attempts < ? ORDER BY id LIMIT ?",
        model.DeliveryDelivered, maxAttempts, limit)
}

// ListExhausted returns a tenant's events that reached maxAttempts without
// being delivered.
func (r *ConversionRepo) ListExhausted(ctx context.Context, tenantID uint64, maxAttempts, limit int) ([]model.ConversionEvent, error) {
    return r.list(ctx,
        "SELECT "+conversionColumns+" FROM conversion_events WHERE tenant_id = ? AND result <> ? AND attempts >= ? ORDER BY id DESC LIMIT ?",
        tenantID, model.DeliveryDelivered, maxAttempts, limit)
}

func (r *ConversionRepo) list(ctx context.Context, q string, args ...any) ([]model.ConversionEvent, error) {
    rows, err := r.db.QueryContext(ctx, q, args...)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    var out []model.ConversionEvent
    for rows.Next() {
        ev, err := scanConversion(rows)
        if err != nil {
            return nil, err
        }
        out = append(out, ev)
    }
    return out, rows.Err()
}
