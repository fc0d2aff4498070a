package adapter

import (
    "github.com/iliyamo/funnel-ingest/internal/model"
)

// Calendly parses booking webhooks.  The invitee email is stored as the
// contact's booking email.
type Calendly struct{}

var calendlyEvents = map[string]model.EventType{
    "inviteecreated":       model.EventMeetingBooked,
    "inviteecanceled":      model.EventMeetingCanceled,
    "inviteecancelled":     model.EventMeetingCanceled,
    "inviteenoshowcreated": model.EventMeetingNoShow,
}

func (Calendly) Platform() model.Platform { return model.PlatformCalendly }

func (Calendly) EventTypes() []string {
    return []string{"invitee.created", "invitee.canceled", "invitee_no_show.created"}
}

func (Calendly) Parse(body []byte) (Result, error) {
    p, err := decode(body)
    if err != nil {
        return Result{}, err
    }
    name := p.str("event", "event_type")
    et, ok := lookupEvent(calendlyEvents, name)
    if !ok {
        return Result{EventType: name, Ignored: true}, nil
    }
    inv := p.object("payload")
    if inv == nil {
        inv = p
    }
    // No-show marks nest the invitee one level down.
    if nested := inv.object("invitee"); nested != nil && et == model.EventMeetingNoShow {
        inv = nested
    }
    first, last := inv.str("first_name"), inv.str("last_name")
    if first == "" && last == "" {
        first, last = splitName(inv.str("name"))
    }
    uri := inv.str("uri", "invitee", "invitee_uri", "uuid")
    ev := model.InboundEvent{
        Platform:   model.PlatformCalendly,
        EventType:  et,
        OccurredAt: p.timestamp("created_at", "time"),
        Identity: model.IdentityFragments{
            BookingEmail: inv.str("email"),
            Phone:        inv.str("text_reminder_number", "phone"),
            SubscriberID: inv.str("tracking.utm_term"),
            FirstName:    first,
            LastName:     last,
        },
        AdID:    inv.str("tracking.utm_content", "tracking.utm_campaign"),
        Payload: p.raw(),
    }
    if uri != "" {
        ev.SourceEventID = name + ":" + uri
    }
    return Result{Inbound: &ev, EventType: string(et)}, nil
}
