package adapter

import (
    "github.com/iliyamo/funnel-ingest/internal/model"
)

// GHL parses CRM workflow webhooks.  Workflows are configured by hand per
// tenant, so the event name may sit under several keys and spellings.
type GHL struct{}

var ghlEvents = map[string]model.EventType{
    "formsubmitted":        model.EventFormSubmitted,
    "formsubmission":       model.EventFormSubmitted,
    "formsubmit":           model.EventFormSubmitted,
    "surveysubmitted":      model.EventFormSubmitted,
    "meetingbooked":        model.EventMeetingBooked,
    "appointmentbooked":    model.EventMeetingBooked,
    "appointmentcreate":    model.EventMeetingBooked,
    "appointmentcreated":   model.EventMeetingBooked,
    "meetingheld":          model.EventMeetingHeld,
    "meetingcompleted":     model.EventMeetingHeld,
    "appointmentshowed":    model.EventMeetingHeld,
    "showed":               model.EventMeetingHeld,
    "packagesent":          model.EventPackageSent,
    "proposalsent":         model.EventPackageSent,
    "meetingnoshow":        model.EventMeetingNoShow,
    "noshow":               model.EventMeetingNoShow,
    "appointmentnoshow":    model.EventMeetingNoShow,
    "meetingcanceled":      model.EventMeetingCanceled,
    "meetingcancelled":     model.EventMeetingCanceled,
    "appointmentcancelled": model.EventMeetingCanceled,
    "appointmentcanceled":  model.EventMeetingCanceled,
    "contactcreate":        model.EventContactUpdated,
    "contactupdate":        model.EventContactUpdated,
    "contactupdated":       model.EventContactUpdated,
}

func (GHL) Platform() model.Platform { return model.PlatformGHL }

func (GHL) EventTypes() []string {
    return []string{"form_submitted", "meeting_booked", "meeting_held", "package_sent", "meeting_no_show", "meeting_canceled", "contact_updated"}
}

func (GHL) Parse(body []byte) (Result, error) {
    p, err := decode(body)
    if err != nil {
        return Result{}, err
    }
    raw := p.str("event", "event_type", "type", "stage", "customData.event", "workflow.name", "trigger")
    et, ok := lookupEvent(ghlEvents, raw)
    if !ok {
        et = model.EventContactUpdated
    }
    first := p.str("first_name", "firstName", "contact.first_name", "contact.firstName")
    last := p.str("last_name", "lastName", "contact.last_name", "contact.lastName")
    if first == "" && last == "" {
        first, last = splitName(p.str("full_name", "name", "contact.name"))
    }
    ev := model.InboundEvent{
        Platform:      model.PlatformGHL,
        EventType:     et,
        SourceEventID: p.str("event_id", "webhook_id", "webhookId", "appointment.id", "calendar.appointmentId"),
        OccurredAt:    p.timestamp("date_created", "dateAdded", "timestamp", "occurred_at"),
        Identity: model.IdentityFragments{
            CRMContactID: p.str("contact_id", "contactId", "contact.id", "id"),
            Email:        p.str("email", "contact.email"),
            Phone:        p.str("phone", "contact.phone"),
            SubscriberID: p.str("customData.subscriber_id", "subscriber_id", "manychat_id"),
            ClickID:      p.str("fbclid", "customData.fbclid", "contact.attributionSource.fbclid"),
            FirstName:    first,
            LastName:     last,
        },
        AdID:    p.str("ad_id", "customData.ad_id", "contact.attributionSource.adId", "utm_content"),
        Payload: p.raw(),
    }
    // Appointment ids repeat across booked, held and no-show events.
    if ev.SourceEventID != "" && ev.EventType != model.EventContactUpdated {
        ev.SourceEventID = string(ev.EventType) + ":" + ev.SourceEventID
    }
    return Result{Inbound: &ev, EventType: string(et)}, nil
}
