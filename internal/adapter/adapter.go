// Package adapter turns each platform's webhook body into one canonical
// event.  Platforms have renamed their fields over the years, so every
// lookup accepts a list of aliases and the first non-empty one wins.
package adapter

import (
    "errors"
    "sort"
    "strings"

    "github.com/iliyamo/funnel-ingest/internal/model"
)

var (
    ErrUnknownPlatform = errors.New("unknown platform")
    ErrMalformed       = errors.New("malformed payload")
    ErrBadSignature    = errors.New("invalid webhook signature")
)

// Result is the canonical form of one webhook.  Exactly one of Inbound or
// Payment is set unless Ignored is true.
type Result struct {
    Inbound *model.InboundEvent
    Payment *model.PaymentEvent
    // EventType is the inferred type recorded on the webhook log.
    EventType string
    // Ignored marks events the platform sends that nothing here tracks.
    Ignored bool
}

// Adapter normalizes one platform's payloads.
type Adapter interface {
    Platform() model.Platform
    Parse(body []byte) (Result, error)
    // EventTypes lists the platform event names that are acted upon.
    EventTypes() []string
}

var registry = map[model.Platform]Adapter{}

func register(a Adapter) { registry[a.Platform()] = a }

func init() {
    register(ManyChat{})
    register(GHL{})
    register(Calendly{})
    register(Stripe{})
    register(Denefits{})
}

// For returns the adapter for p.
func For(p model.Platform) (Adapter, bool) {
    a, ok := registry[p]
    return a, ok
}

// Description is the static payload served on GET of a webhook path.
type Description struct {
    Tenant     string   `json:"tenant"`
    Platform   string   `json:"platform"`
    EventTypes []string `json:"event_types"`
    Status     string   `json:"status"`
}

// Describe returns the description of a tenant's webhook endpoint.
func Describe(tenant model.Tenant, p model.Platform) (Description, error) {
    a, ok := For(p)
    if !ok {
        return Description{}, ErrUnknownPlatform
    }
    types := append([]string(nil), a.EventTypes()...)
    sort.Strings(types)
    return Description{Tenant: tenant.Name, Platform: string(p), EventTypes: types, Status: "ok"}, nil
}

// eventKey folds an event name so "Appointment-Create", "appointment_create"
// and "appointmentCreate" compare equal.
func eventKey(s string) string {
    return strings.Map(func(r rune) rune {
        switch r {
        case '_', '-', '.', ' ', ':', '/':
            return -1
        }
        if r >= 'A' && r <= 'Z' {
            return r + ('a' - 'A')
        }
        return r
    }, strings.TrimSpace(s))
}

// lookupEvent maps a raw event name through aliases.
func lookupEvent(aliases map[string]model.EventType, raw string) (model.EventType, bool) {
    t, ok := aliases[eventKey(raw)]
    return t, ok
}

// splitName splits a full name into first and last parts.
func splitName(full string) (string, string) {
    parts := strings.Fields(full)
    switch len(parts) {
    case 0:
        return "", ""
    case 1:
        return parts[0], ""
    }
    return parts[0], strings.Join(parts[1:], " ")
}
