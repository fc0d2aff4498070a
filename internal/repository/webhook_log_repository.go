package repository

import (
    "context"
    "database/sql"
    "errors"

    "github.com/iliyamo/funnel-ingest/internal/model"
)

// WebhookLogRepo mirrors every inbound payload into webhook_logs.  Only the
// status, inferred event type and error columns change after insert.
type WebhookLogRepo struct {
    db *sql.DB
}

func NewWebhookLogRepo(db *sql.DB) *WebhookLogRepo { return &WebhookLogRepo{db: db} }

// Create inserts l and populates its ID.
func (r *WebhookLogRepo) Create(ctx context.Context, l *model.WebhookLog) error {
    res, err := r.db.ExecContext(ctx,
        `INSERT INTO webhook_logs (tenant_id, platform, event_type, status, payload, headers) VALUES (?, ?, ?, ?, ?, ?)`,
        l.TenantID, string(l.Platform), l.EventType, l.Status, nullJSON(l.Payload), nullJSON(l.Headers))
    if err != nil {
        return err
    }
    id, err := res.LastInsertId()
    if err != nil {
        return err
    }
    l.ID = uint64(id)
    return nil
}

// UpdateStatus records the processing outcome of a logged webhook.
func (r *WebhookLogRepo) UpdateStatus(ctx context.Context, id uint64, eventType, status string, errMsg *string) error {
    _, err := r.db.ExecContext(ctx,
        "UPDATE webhook_logs SET event_type = ?, status = ?, error = ?, updated_at = UTC_TIMESTAMP() WHERE id = ?",
        eventType, status, errMsg, id)
    return err
}

// GetByID fetches a log row within a tenant.
func (r *WebhookLogRepo) GetByID(ctx context.Context, tenantID, id uint64) (model.WebhookLog, error) {
    var (
        l        model.WebhookLog
        platform string
        errMsg   sql.NullString
        payload  []byte
        headers  []byte
    )
    err := r.db.QueryRowContext(ctx,
        `SELECT id, tenant_id, platform, event_type, status, error, payload, headers, created_at, updated_at
         FROM webhook_logs WHERE tenant_id = ? AND id = ? LIMIT 1`, tenantID, id).
        Scan(&l.ID, &l.TenantID, &platform, &l.EventType, &l.Status, &errMsg, &payload, &headers, &l.CreatedAt, &l.UpdatedAt)
    if errors.Is(err, sql.ErrNoRows) {
        return model.WebhookLog{}, ErrNotFound
    }
    if err != nil {
        return model.WebhookLog{}, err
    }
    l.Platform = model.Platform(platform)
    l.Error = nullStr(errMsg)
    l.Payload = payload
    l.Headers = headers
    return l, nil
}
