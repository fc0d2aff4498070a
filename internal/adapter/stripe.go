package adapter

import (
    "fmt"
    "strings"

    "github.com/shopspring/decimal"

    "github.com/iliyamo/funnel-ingest/internal/model"
)

// Stripe parses billing events.  Amounts arrive in minor units.
type Stripe struct{}

const (
    stripeCheckoutCreated   = "checkout.session.created"
    stripeCheckoutCompleted = "checkout.session.completed"
    stripeChargeRefunded    = "charge.refunded"
    stripeAsyncSucceeded    = "checkout.session.async_payment_succeeded"
)

// zeroDecimalCurrencies have no minor unit.
var zeroDecimalCurrencies = map[string]bool{
    "BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true, "KRW": true, "MGA": true,
    "PYG": true, "RWF": true, "UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// minorToDecimal converts a minor-unit integer amount to a decimal.
func minorToDecimal(amount int64, currency string) decimal.Decimal {
    if zeroDecimalCurrencies[strings.ToUpper(currency)] {
        return decimal.NewFromInt(amount)
    }
    return decimal.New(amount, -2)
}

func (Stripe) Platform() model.Platform { return model.PlatformStripe }

func (Stripe) EventTypes() []string {
    return []string{stripeCheckoutCreated, stripeCheckoutCompleted, stripeAsyncSucceeded, stripeChargeRefunded}
}

func (Stripe) Parse(body []byte) (Result, error) {
    p, err := decode(body)
    if err != nil {
        return Result{}, err
    }
    eventID := p.str("id")
    typ := p.str("type")
    obj := p.object("data.object")
    if obj == nil {
        return Result{EventType: typ, Ignored: true}, nil
    }
    switch typ {
    case stripeCheckoutCreated, stripeCheckoutCompleted, stripeAsyncSucceeded, stripeChargeRefunded:
    default:
        return Result{EventType: typ, Ignored: true}, nil
    }
    if eventID == "" {
        return Result{EventType: typ}, fmt.Errorf("%w: stripe event without id", ErrMalformed)
    }

    currency := strings.ToUpper(obj.str("currency"))
    first, last := splitName(obj.str("customer_details.name", "billing_details.name"))
    ev := model.PaymentEvent{
        Provider:        model.PlatformStripe,
        ProviderEventID: eventID,
        EventName:       typ,
        Currency:        currency,
        OccurredAt:      p.timestamp("created"),
        Identity: model.IdentityFragments{
            PaymentEmail: strings.ToLower(obj.str("customer_details.email", "customer_email", "billing_details.email", "receipt_email")),
            Phone:        obj.str("customer_details.phone", "billing_details.phone"),
            SubscriberID: obj.str("metadata.subscriber_id", "metadata.manychat_id"),
            CRMContactID: obj.str("metadata.crm_contact_id", "metadata.ghl_contact_id", "client_reference_id"),
            ClickID:      obj.str("metadata.fbclid"),
            FirstName:    first,
            LastName:     last,
        },
        Payload: p.raw(),
    }

    switch typ {
    case stripeCheckoutCreated:
        ev.Stage = model.StageCheckoutStarted
    case stripeCheckoutCompleted, stripeAsyncSucceeded:
        cents, _ := obj.integer("amount_total")
        status := model.PaymentStatusPending
        if obj.str("payment_status") == "paid" || typ == stripeAsyncSucceeded {
            status = model.PaymentStatusPaid
        }
        ev.Lines = []model.PaymentLine{{
            ProviderEventID: eventID,
            Category:        model.CategoryFullPurchase,
            Amount:          minorToDecimal(cents, currency),
            Status:          status,
        }}
    case stripeChargeRefunded:
        cents := stripeRefundCents(p, obj)
        ev.Lines = []model.PaymentLine{{
            ProviderEventID: eventID,
            Category:        model.CategoryRefund,
            Amount:          minorToDecimal(cents, currency).Neg(),
            Status:          model.PaymentStatusRefunded,
        }}
    }
    return Result{Payment: &ev, EventType: typ}, nil
}

// stripeRefundCents is the amount of this refund alone.  A charge reports
// amount_refunded as the running total, so the previous total is
// subtracted when the event carries it.
func stripeRefundCents(p, charge payload) int64 {
    total, hasTotal := charge.integer("amount_refunded")
    if prev, ok := p.integer("data.previous_attributes.amount_refunded"); ok && hasTotal {
        return total - prev
    }
    if n, ok := charge.integer("refunds.data.0.amount"); ok {
        return n
    }
    if hasTotal {
        return total
    }
    n, _ := charge.integer("amount")
    return n
}
