package service

import (
    "strings"

    "github.com/iliyamo/funnel-ingest/internal/model"
)

// NormalizePhone reduces a phone number to digits with a leading '+'.
// Ten digit numbers are assumed to be US and get +1; eleven digits
// starting with 1 get '+'.  Values that already carried a '+' keep their
// digits as given.  Anything else is prefixed with '+' as far as it goes;
// malformed numbers are never rejected.
func NormalizePhone(raw string) string {
    raw = strings.TrimSpace(raw)
    if raw == "" {
        return ""
    }
    var b strings.Builder
    for _, r := range raw {
        if r >= '0' && r <= '9' {
            b.WriteRune(r)
        }
    }
    digits := b.String()
    if digits == "" {
        return ""
    }
    if len(digits) == 10 && !strings.HasPrefix(raw, "+") {
        return "+1" + digits
    }
    // 11 digits with a leading 1, already prefixed, or unknown shape.
    return "+" + digits
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(raw string) string {
    return strings.ToLower(strings.TrimSpace(raw))
}

// normalizeFragments returns f with emails and phone normalized and other
// values trimmed.
func normalizeFragments(f model.IdentityFragments) model.IdentityFragments {
    f.Email = NormalizeEmail(f.Email)
    f.BookingEmail = NormalizeEmail(f.BookingEmail)
    f.PaymentEmail = NormalizeEmail(f.PaymentEmail)
    f.Phone = NormalizePhone(f.Phone)
    f.SubscriberID = strings.TrimSpace(f.SubscriberID)
    f.CRMContactID = strings.TrimSpace(f.CRMContactID)
    f.ClickID = strings.TrimSpace(f.ClickID)
    f.FirstName = strings.TrimSpace(f.FirstName)
    f.LastName = strings.TrimSpace(f.LastName)
    return f
}
