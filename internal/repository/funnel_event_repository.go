package repository

import (
    "context"
    "database/sql"
    "errors"

    "github.com/iliyamo/funnel-ingest/internal/model"
)

// FunnelEventRepo appends to the funnel_events table.  The table is
// insert-only; there is deliberately no update or delete method.  A unique
// index on (tenant_id, source, source_event_id) backs idempotency for
// platforms that supply stable event ids.
type FunnelEventRepo struct {
    db *sql.DB
}

// NewFunnelEventRepo returns a new FunnelEventRepo bound to the given database.
func NewFunnelEventRepo(db *sql.DB) *FunnelEventRepo { return &FunnelEventRepo{db: db} }

// Append inserts ev and populates its ID.  ErrDuplicate means an event with
// the same source event id was already recorded.
func (r *FunnelEventRepo) Append(ctx context.Context, ev *model.FunnelEvent) error {
    const q = `INSERT INTO funnel_events
        (tenant_id, contact_id, event_type, source, source_event_id, occurred_at, contact_snapshot, payload)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
    res, err := r.db.ExecContext(ctx, q,
        ev.TenantID, ev.ContactID, string(ev.EventType), string(ev.Source), ev.SourceEventID,
        ev.OccurredAt.UTC(), nullJSON(ev.Snapshot), nullJSON(ev.Payload))
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

// ExistsBySourceEventID reports whether an event with this source id was
// already appended.
func (r *FunnelEventRepo) ExistsBySourceEventID(ctx context.Context, tenantID uint64, source model.Platform, sourceEventID string) (bool, error) {
    var id uint64
    err := r.db.QueryRowContext(ctx,
        "SELECT id FROM funnel_events WHERE tenant_id = ? AND source = ? AND source_event_id = ? LIMIT 1",
        tenantID, string(source), sourceEventID).Scan(&id)
    if errors.Is(err, sql.ErrNoRows) {
        return false, nil
    }
    if err != nil {
        return false, err
    }
    return true, nil
}

// HighestStage returns the highest-ranked stage among the contact's events.
// The contacts.stage column is a cache of this value.
func (r *FunnelEventRepo) HighestStage(ctx context.Context, tenantID, contactID uint64) (model.Stage, error) {
    rows, err := r.db.QueryContext(ctx,
        "SELECT DISTINCT event_type FROM funnel_events WHERE tenant_id = ? AND contact_id = ?",
        tenantID, contactID)
    if err != nil {
        return "", err
    }
    defer rows.Close()
    var best model.Stage
    for rows.Next() {
        var t string
        if err := rows.Scan(&t); err != nil {
            return "", err
        }
        if s, ok := model.EventType(t).ImpliedStage(); ok && s.Rank() > best.Rank() {
            best = s
        }
    }
    return best, rows.Err()
}

func nullJSON(b []byte) any {
    if len(b) == 0 {
        return nil
    }
    return string(b)
}
