package adapter

import (
    "github.com/iliyamo/funnel-ingest/internal/model"
)

// ManyChat parses chat-platform external requests.  The subscriber id is
// the authoritative key; most events carry no event id.
type ManyChat struct{}

var manyChatEvents = map[string]model.EventType{
    "newlead":       model.EventNewLead,
    "lead":          model.EventNewLead,
    "leadcaptured":  model.EventNewLead,
    "newsubscriber": model.EventNewLead,
    "optin":         model.EventNewLead,
    "dmqualified":   model.EventDMQualified,
    "qualified":     model.EventDMQualified,
    "leadqualified": model.EventDMQualified,
    "linksent":      model.EventLinkSent,
    "sentlink":      model.EventLinkSent,
    "linkclicked":   model.EventLinkClicked,
    "clickedlink":   model.EventLinkClicked,
    "click":         model.EventLinkClicked,
}

func (ManyChat) Platform() model.Platform { return model.PlatformManyChat }

func (ManyChat) EventTypes() []string {
    return []string{"new_lead", "dm_qualified", "link_sent", "link_clicked"}
}

func (ManyChat) Parse(body []byte) (Result, error) {
    p, err := decode(body)
    if err != nil {
        return Result{}, err
    }
    raw := p.str("event", "event_type", "type", "trigger", "stage", "action")
    et, ok := lookupEvent(manyChatEvents, raw)
    if !ok {
        et = model.EventContactUpdated
    }
    first := p.str("first_name", "firstName", "subscriber.first_name", "contact.first_name")
    last := p.str("last_name", "lastName", "subscriber.last_name", "contact.last_name")
    if first == "" && last == "" {
        first, last = splitName(p.str("name", "full_name", "subscriber.name"))
    }
    ev := model.InboundEvent{
        Platform:      model.PlatformManyChat,
        EventType:     et,
        SourceEventID: p.str("event_id", "eventId"),
        OccurredAt:    p.timestamp("timestamp", "occurred_at", "created_at"),
        Identity: model.IdentityFragments{
            SubscriberID: p.str("subscriber_id", "subscriberId", "subscriber.id", "contact.id", "user_id", "id"),
            Email:        p.str("email", "subscriber.email", "contact.email", "custom_fields.email"),
            Phone:        p.str("phone", "subscriber.phone", "contact.phone", "custom_fields.phone"),
            ClickID:      p.str("fbclid", "click_id", "custom_fields.fbclid", "custom_fields.click_id"),
            FirstName:    first,
            LastName:     last,
        },
        AdID:    p.str("ad_id", "adId", "custom_fields.ad_id", "utm_content", "custom_fields.utm_content"),
        Payload: p.raw(),
    }
    return Result{Inbound: &ev, EventType: string(et)}, nil
}
