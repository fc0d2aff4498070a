package model

import (
    "encoding/json"
    "time"
)

// Tenant carries the per-tenant credentials every component needs.  It is
// looked up by slug at the start of each request and passed down
// explicitly; nothing caches it between requests.
type Tenant struct {
    ID                  uint64 // tenants.id
    Slug                string // tenants.slug
    Name                string // tenants.name
    PixelID             string // tenants.pixel_id
    CAPIAccessToken     string // tenants.capi_access_token
    ManyChatAPIKey      string // tenants.manychat_api_key
    StripeWebhookSecret string // tenants.stripe_webhook_secret
    CalendlySigningKey  string // tenants.calendly_signing_key
    Currency            string // tenants.currency
}

// ConversionsEnabled reports whether the tenant has an ad pixel configured.
func (t Tenant) ConversionsEnabled() bool { return t.PixelID != "" && t.CAPIAccessToken != "" }

// Webhook log statuses.
const (
    WebhookReceived        = "received"
    WebhookProcessed       = "processed"
    WebhookProcessedOrphan = "processed_orphan"
    WebhookSkipped         = "skipped"
    WebhookError           = "error"
)

// WebhookLog mirrors every inbound payload so an operator can replay it.
type WebhookLog struct {
    ID        uint64          // webhook_logs.id
    TenantID  uint64          // webhook_logs.tenant_id
    Platform  Platform        // webhook_logs.platform
    EventType string          // webhook_logs.event_type (inferred)
    Status    string          // webhook_logs.status
    Error     *string         // webhook_logs.error
    Payload   json.RawMessage // webhook_logs.payload
    Headers   json.RawMessage // webhook_logs.headers
    CreatedAt time.Time       // webhook_logs.created_at
    UpdatedAt time.Time       // webhook_logs.updated_at
}
