package service

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "time"

    "github.com/labstack/gommon/log"

    "github.com/iliyamo/funnel-ingest/internal/model"
    "github.com/iliyamo/funnel-ingest/internal/repository"
)

// knownEventTypes are the values stored verbatim in funnel_events.  Any
// other type is recorded as contact_updated.
var knownEventTypes = func() map[model.EventType]bool {
    m := map[model.EventType]bool{
        model.EventContactUpdated:   true,
        model.EventMeetingCanceled:  true,
        model.EventMeetingNoShow:    true,
        model.EventPaymentReceived:  true,
        model.EventPaymentRefunded:  true,
        model.EventConversionQueued: true,
    }
    for _, s := range model.Stages() {
        m[model.EventType(s)] = true
    }
    return m
}()

// CanonicalEventType maps t to a stored event type, falling back to
// contact_updated for anything unrecognized.
func CanonicalEventType(t model.EventType) model.EventType {
    if knownEventTypes[t] {
        return t
    }
    return model.EventContactUpdated
}

// Occurrence is one state-relevant thing that happened to a contact.
type Occurrence struct {
    EventType     model.EventType
    Source        model.Platform
    SourceEventID string
    OccurredAt    time.Time
    Payload       json.RawMessage
}

// Transition describes what an occurrence did to a contact.
type Transition struct {
    EventType     model.EventType
    PreviousStage model.Stage
    // NewStage is the stage stored after the transition; it equals
    // PreviousStage when the event did not outrank it.
    NewStage model.Stage
    Advanced bool
    // Stamps are the stage timestamp columns that were still unset.
    Stamps    map[string]time.Time
    EventID   uint64
    Duplicate bool
}

// FunnelStateMachine advances contacts through the funnel.  The stored
// stage only moves up; the funnel_events log records every accepted
// occurrence regardless.
type FunnelStateMachine struct {
    contacts ContactStore
    events   FunnelEventStore
    logger   *log.Logger
    now      func() time.Time
}

// NewFunnelStateMachine returns a state machine over the given stores.
func NewFunnelStateMachine(contacts ContactStore, events FunnelEventStore, logger *log.Logger) *FunnelStateMachine {
    return &FunnelStateMachine{contacts: contacts, events: events, logger: logger, now: time.Now}
}

// Plan computes the transition an event would cause for contact c without
// writing anything.  The stage only changes when the implied stage ranks
// strictly higher; a stamp is only planned when its column is unset.
func Plan(c model.Contact, eventType model.EventType, at time.Time) Transition {
    eventType = CanonicalEventType(eventType)
    tr := Transition{
        EventType:     eventType,
        PreviousStage: c.Stage,
        NewStage:      c.Stage,
        Stamps:        map[string]time.Time{},
    }
    implied, ok := eventType.ImpliedStage()
    if !ok {
        return tr
    }
    if implied.Rank() > c.Stage.Rank() {
        tr.NewStage = implied
        tr.Advanced = true
    }
    if col := implied.StampColumn(); col != "" {
        if _, set := c.StageStamps[col]; !set {
            tr.Stamps[col] = at.UTC()
        }
    }
    return tr
}

// Advance records occ against contact c and applies the resulting
// transition.  When the source supplied an event id that was already
// recorded, nothing is written and Duplicate is set.  The event is
// appended before the contact row is touched; the log is the source of
// truth and contacts.stage is only a cache of the furthest stage.
func (m *FunnelStateMachine) Advance(ctx context.Context, c model.Contact, occ Occurrence) (Transition, error) {
    if occ.OccurredAt.IsZero() {
        occ.OccurredAt = m.now()
    }
    if occ.SourceEventID != "" {
        exists, err := m.events.ExistsBySourceEventID(ctx, c.TenantID, occ.Source, occ.SourceEventID)
        if err != nil {
            return Transition{}, fmt.Errorf("check event id: %w", err)
        }
        if exists {
            return Transition{EventType: CanonicalEventType(occ.EventType), PreviousStage: c.Stage, NewStage: c.Stage, Duplicate: true}, nil
        }
    }

    tr := Plan(c, occ.EventType, occ.OccurredAt)
    contactID := c.ID
    ev := model.FunnelEvent{
        TenantID:      c.TenantID,
        ContactID:     &contactID,
        EventType:     tr.EventType,
        Source:        occ.Source,
        SourceEventID: model.StrPtr(occ.SourceEventID),
        OccurredAt:    occ.OccurredAt,
        Snapshot:      snapshot(c),
        Payload:       occ.Payload,
    }
    if err := m.events.Append(ctx, &ev); err != nil {
        if errors.Is(err, repository.ErrDuplicate) {
            tr.Duplicate = true
            tr.NewStage, tr.Advanced, tr.Stamps = c.Stage, false, nil
            return tr, nil
        }
        return Transition{}, fmt.Errorf("append funnel event: %w", err)
    }
    tr.EventID = ev.ID

    if !tr.Advanced && len(tr.Stamps) == 0 {
        return tr, nil
    }
    target := model.Stage("")
    if tr.Advanced {
        target = tr.NewStage
    }
    advanced, err := m.contacts.ApplyTransition(ctx, c.TenantID, c.ID, target, tr.Stamps)
    if err != nil {
        return tr, fmt.Errorf("apply transition: %w", err)
    }
    if tr.Advanced && !advanced {
        // A concurrent writer already moved the contact at least this far.
        m.logger.Debugf("funnel: contact id=%d already at or past %s", c.ID, tr.NewStage)
        tr.Advanced = false
    }
    if tr.Advanced {
        m.logger.Infof("funnel: contact id=%d %s -> %s via %s", c.ID, tr.PreviousStage, tr.NewStage, tr.EventType)
    }
    return tr, nil
}

// RecordOrphan appends an event that could not be tied to a contact.
func (m *FunnelStateMachine) RecordOrphan(ctx context.Context, tenantID uint64, occ Occurrence) (uint64, error) {
    if occ.OccurredAt.IsZero() {
        occ.OccurredAt = m.now()
    }
    ev := model.FunnelEvent{
        TenantID:      tenantID,
        EventType:     CanonicalEventType(occ.EventType),
        Source:        occ.Source,
        SourceEventID: model.StrPtr(occ.SourceEventID),
        OccurredAt:    occ.OccurredAt,
        Payload:       occ.Payload,
    }
    if err := m.events.Append(ctx, &ev); err != nil {
        if errors.Is(err, repository.ErrDuplicate) {
            return 0, nil
        }
        return 0, err
    }
    return ev.ID, nil
}

type contactSnapshot struct {
    Stage         model.Stage `json:"stage"`
    Email         *string     `json:"email,omitempty"`
    Phone         *string     `json:"phone,omitempty"`
    SubscriberID  *string     `json:"subscriber_id,omitempty"`
    CRMContactID  *string     `json:"crm_contact_id,omitempty"`
    AdID          *string     `json:"ad_id,omitempty"`
    PurchaseTotal string      `json:"purchase_total"`
}

func snapshot(c model.Contact) json.RawMessage {
    b, err := json.Marshal(contactSnapshot{
        Stage:         c.Stage,
        Email:         c.Email,
        Phone:         c.Phone,
        SubscriberID:  c.SubscriberID,
        CRMContactID:  c.CRMContactID,
        AdID:          c.AdID,
        PurchaseTotal: c.PurchaseTotal.StringFixed(2),
    })
    if err != nil {
        return nil
    }
    return b
}
