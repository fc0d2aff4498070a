package model

import (
    "encoding/json"
    "time"

    "github.com/shopspring/decimal"
)

// Conversion delivery results.
const (
    DeliveryPending   = "pending"
    DeliveryDelivered = "delivered"
    DeliveryFailed    = "failed"
)

// HashedIdentity holds one-way digests of the identifying fields sent to
// the ad platform.  Plaintext never reaches this struct.
type HashedIdentity struct {
    Email      []string `json:"em,omitempty"`
    Phone      []string `json:"ph,omitempty"`
    FirstName  []string `json:"fn,omitempty"`
    LastName   []string `json:"ln,omitempty"`
    ExternalID []string `json:"external_id,omitempty"`
    ClickID    string   `json:"fbc,omitempty"`
}

// ConversionData is the non-identifying custom data of a conversion.
type ConversionData struct {
    Value       *decimal.Decimal `json:"value,omitempty"`
    Currency    string           `json:"currency,omitempty"`
    ContentName string           `json:"content_name,omitempty"`
    AdID        string           `json:"ad_id,omitempty"`
}

// ConversionEvent is one queued delivery to the ad platform.  It is
// created hashed, mutated only by the sender and never deleted.
type ConversionEvent struct {
    ID            uint64          // conversion_events.id
    TenantID      uint64          // conversion_events.tenant_id
    ContactID     *uint64         // conversion_events.contact_id
    EventName     string          // conversion_events.event_name
    EventTime     time.Time       // conversion_events.event_time
    EventID       string          // conversion_events.event_id (idempotency id)
    UserData      HashedIdentity  // conversion_events.user_data (JSON)
    CustomData    ConversionData  // conversion_events.custom_data (JSON)
    Attempts      int             // conversion_events.attempts
    LastAttemptAt *time.Time      // conversion_events.last_attempt_at
    Result        string          // conversion_events.result
    Response      json.RawMessage // conversion_events.response (verbatim)
    LastError     *string         // conversion_events.last_error
    CreatedAt     time.Time       // conversion_events.created_at
}

// ConversionRequest is what a component hands to the queue.  It still
// carries plaintext identity; the queue hashes it before anything is
// written.
type ConversionRequest struct {
    ContactID   *uint64
    EventName   string
    EventTime   time.Time
    DedupKey    string
    Identity    IdentityFragments
    Value       *decimal.Decimal
    Currency    string
    ContentName string
    AdID        string
}

// Conversion event names understood by the ad platform.
const (
    ConversionLead                 = "Lead"
    ConversionCompleteRegistration = "CompleteRegistration"
    ConversionSchedule             = "Schedule"
    ConversionInitiateCheckout     = "InitiateCheckout"
    ConversionPurchase             = "Purchase"
)

// ConversionForStage maps a newly reached stage to the conversion it
// reports, if any.
func ConversionForStage(s Stage) (string, bool) {
    switch s {
    case StageNewLead:
        return ConversionLead, true
    case StageFormSubmitted:
        return ConversionCompleteRegistration, true
    case StageMeetingBooked:
        return ConversionSchedule, true
    case StageCheckoutStarted:
        return ConversionInitiateCheckout, true
    }
    return "", false
}
