package model

import (
    "encoding/json"
    "time"
)

// Platform identifies an external system that delivers webhooks.
type Platform string

const (
    PlatformManyChat Platform = "manychat"
    PlatformGHL      Platform = "ghl"
    PlatformCalendly Platform = "calendly"
    PlatformStripe   Platform = "stripe"
    PlatformDenefits Platform = "denefits"
)

// Platforms lists every platform with a webhook endpoint.
var Platforms = []Platform{PlatformManyChat, PlatformGHL, PlatformCalendly, PlatformStripe, PlatformDenefits}

// ParsePlatform returns the platform named by s.
func ParsePlatform(s string) (Platform, bool) {
    for _, p := range Platforms {
        if string(p) == s {
            return p, true
        }
    }
    return "", false
}

// IsBilling reports whether p is a billing provider.
func (p Platform) IsBilling() bool { return p == PlatformStripe || p == PlatformDenefits }

// EventType is the canonical vocabulary of funnel_events.event_type.  Every
// stage name is also an event type; the remaining values are sub-events
// that never move the stage on their own.
type EventType string

const (
    EventNewLead         = EventType(StageNewLead)
    EventDMQualified     = EventType(StageDMQualified)
    EventLinkSent        = EventType(StageLinkSent)
    EventLinkClicked     = EventType(StageLinkClicked)
    EventFormSubmitted   = EventType(StageFormSubmitted)
    EventMeetingBooked   = EventType(StageMeetingBooked)
    EventMeetingHeld     = EventType(StageMeetingHeld)
    EventPackageSent     = EventType(StagePackageSent)
    EventCheckoutStarted = EventType(StageCheckoutStarted)
    EventPurchased       = EventType(StagePurchased)

    EventContactUpdated   EventType = "contact_updated"
    EventMeetingCanceled  EventType = "meeting_canceled"
    EventMeetingNoShow    EventType = "meeting_no_show"
    EventPaymentReceived  EventType = "payment_received"
    EventPaymentRefunded  EventType = "payment_refunded"
    EventConversionQueued EventType = "capi_queued"
)

// ImpliedStage returns the stage an event of this type asserts, if any.
func (t EventType) ImpliedStage() (Stage, bool) {
    s := Stage(t)
    return s, s.Valid()
}

// FunnelEvent is an immutable record of one state-relevant occurrence.
// Rows are only ever inserted.
type FunnelEvent struct {
    ID            uint64          // funnel_events.id
    TenantID      uint64          // funnel_events.tenant_id
    ContactID     *uint64         // funnel_events.contact_id (nullable)
    EventType     EventType       // funnel_events.event_type
    Source        Platform        // funnel_events.source
    SourceEventID *string         // funnel_events.source_event_id (nullable)
    OccurredAt    time.Time       // funnel_events.occurred_at
    Snapshot      json.RawMessage // funnel_events.contact_snapshot
    Payload       json.RawMessage // funnel_events.payload
    CreatedAt     time.Time       // funnel_events.created_at
}

// InboundEvent is the canonical shape every non-billing platform adapter
// produces.  The engines downstream never look at raw payloads.
type InboundEvent struct {
    Platform      Platform
    EventType     EventType
    SourceEventID string
    OccurredAt    time.Time
    Identity      IdentityFragments
    AdID          string
    Payload       json.RawMessage
}
