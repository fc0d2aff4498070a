package adapter

import (
    "net/http"
    "testing"
    "time"

    "github.com/shopspring/decimal"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/iliyamo/funnel-ingest/internal/model"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func parse(t *testing.T, p model.Platform, body string) Result {
    t.Helper()
    a, ok := For(p)
    require.True(t, ok)
    res, err := a.Parse([]byte(body))
    require.NoError(t, err)
    return res
}

func TestEventKey(t *testing.T) {
    for _, s := range []string{"Appointment-Create", "appointment_create", "appointmentCreate", " appointment.create "} {
        assert.Equal(t, "appointmentcreate", eventKey(s), s)
    }
}

func TestDecode(t *testing.T) {
    p, err := decode([]byte(`[{"a":"x"},{"a":"y"}]`))
    require.NoError(t, err)
    assert.Equal(t, "x", p.str("a"))

    for _, body := range []string{`not json`, `[]`, `"str"`, `42`} {
        _, err := decode([]byte(body))
        assert.ErrorIs(t, err, ErrMalformed, body)
    }
}

func TestPayloadLookups(t *testing.T) {
    p, err := decode([]byte(`{
        "id": 12345678901234567,
        "blank": "  ",
        "nested": {"deep": {"v": "found"}},
        "price": "$1,250.00",
        "raw": 19.99,
        "count": "7",
        "secs": 1767225600,
        "millis": 1767225600000,
        "rfc": "2026-01-01T00:00:00Z",
        "plain": "2026-01-01 00:00:00",
        "day": "2026-01-01",
        "junk": "yesterday"
    }`))
    require.NoError(t, err)

    assert.Equal(t, "12345678901234567", p.str("id"))
    assert.Equal(t, "found", p.str("blank", "missing", "nested.deep.v"))
    assert.Empty(t, p.str("nested.deep.v.w", "nested.nope"))

    d, ok := p.amount("price")
    require.True(t, ok)
    assert.True(t, d.Equal(dec("1250")), d.String())
    d, ok = p.amount("missing", "raw")
    require.True(t, ok)
    assert.True(t, d.Equal(dec("19.99")), d.String())
    _, ok = p.amount("junk")
    assert.False(t, ok)

    n, ok := p.integer("count")
    require.True(t, ok)
    assert.Equal(t, int64(7), n)

    want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
    for _, k := range []string{"secs", "millis", "rfc", "plain", "day"} {
        assert.True(t, want.Equal(p.timestamp(k)), k)
    }
    assert.True(t, p.timestamp("junk").IsZero())
}

func TestManyChatParse(t *testing.T) {
    res := parse(t, model.PlatformManyChat, `[{"event":"New Lead","subscriber":{"id":123,"email":"a@b.co"},
        "name":"Ann Marie Lee","custom_fields":{"fbclid":"IwAR1","ad_id":"ad-3"},"timestamp":1767225600}]`)
    require.NotNil(t, res.Inbound)
    ev := res.Inbound
    assert.Equal(t, "new_lead", res.EventType)
    assert.Equal(t, model.EventNewLead, ev.EventType)
    assert.Equal(t, "123", ev.Identity.SubscriberID)
    assert.Equal(t, "a@b.co", ev.Identity.Email)
    assert.Equal(t, "IwAR1", ev.Identity.ClickID)
    assert.Equal(t, "Ann", ev.Identity.FirstName)
    assert.Equal(t, "Marie Lee", ev.Identity.LastName)
    assert.Equal(t, "ad-3", ev.AdID)
    assert.Empty(t, ev.SourceEventID)
    assert.Equal(t, int64(1767225600), ev.OccurredAt.Unix())
    assert.JSONEq(t, `{"event":"New Lead","subscriber":{"id":123,"email":"a@b.co"},"name":"Ann Marie Lee",
        "custom_fields":{"fbclid":"IwAR1","ad_id":"ad-3"},"timestamp":1767225600}`, string(ev.Payload))

    res = parse(t, model.PlatformManyChat, `{"action":"tag_added","subscriber_id":"9"}`)
    assert.Equal(t, model.EventContactUpdated, res.Inbound.EventType)
}

func TestGHLParse(t *testing.T) {
    res := parse(t, model.PlatformGHL, `{"type":"AppointmentBooked","contact_id":"g-1","email":"a@b.co",
        "appointment":{"id":"apt-1"},"customData":{"subscriber_id":"55","fbclid":"IwAR2"}}`)
    ev := res.Inbound
    require.NotNil(t, ev)
    assert.Equal(t, model.EventMeetingBooked, ev.EventType)
    assert.Equal(t, "meeting_booked:apt-1", ev.SourceEventID)
    assert.Equal(t, "g-1", ev.Identity.CRMContactID)
    assert.Equal(t, "55", ev.Identity.SubscriberID)
    assert.Equal(t, "IwAR2", ev.Identity.ClickID)

    res = parse(t, model.PlatformGHL, `{"type":"Appointment No-Show","contact":{"id":"g-1"},"appointment":{"id":"apt-1"}}`)
    assert.Equal(t, model.EventMeetingNoShow, res.Inbound.EventType)
    assert.Equal(t, "meeting_no_show:apt-1", res.Inbound.SourceEventID)
    assert.Equal(t, "g-1", res.Inbound.Identity.CRMContactID)

    res = parse(t, model.PlatformGHL, `{"type":"contact_update","contact_id":"g-1","event_id":"e-9"}`)
    assert.Equal(t, model.EventContactUpdated, res.Inbound.EventType)
    assert.Equal(t, "e-9", res.Inbound.SourceEventID)

    res = parse(t, model.PlatformGHL, `{"workflow":{"name":"Something Custom"},"contact_id":"g-1"}`)
    assert.Equal(t, model.EventContactUpdated, res.Inbound.EventType)
}

func TestCalendlyParse(t *testing.T) {
    res := parse(t, model.PlatformCalendly, `{"event":"invitee.created","created_at":"2026-01-05T10:00:00Z",
        "payload":{"email":"ann@example.com","name":"Ann Lee","uri":"https://api.calendly.com/inv/1",
        "tracking":{"utm_term":"1001","utm_content":"ad-7"}}}`)
    ev := res.Inbound
    require.NotNil(t, ev)
    assert.Equal(t, model.EventMeetingBooked, ev.EventType)
    assert.Equal(t, "ann@example.com", ev.Identity.BookingEmail)
    assert.Empty(t, ev.Identity.Email)
    assert.Equal(t, "1001", ev.Identity.SubscriberID)
    assert.Equal(t, "ad-7", ev.AdID)
    assert.Equal(t, "Ann", ev.Identity.FirstName)
    assert.Equal(t, "invitee.created:https://api.calendly.com/inv/1", ev.SourceEventID)
    assert.True(t, time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC).Equal(ev.OccurredAt))

    res = parse(t, model.PlatformCalendly, `{"event":"invitee_no_show.created","payload":{"invitee":{"email":"b@x.co","uri":"u2"}}}`)
    assert.Equal(t, model.EventMeetingNoShow, res.Inbound.EventType)
    assert.Equal(t, "b@x.co", res.Inbound.Identity.BookingEmail)
    assert.Equal(t, "invitee_no_show.created:u2", res.Inbound.SourceEventID)

    res = parse(t, model.PlatformCalendly, `{"event":"routing_form_submission.created","payload":{}}`)
    assert.True(t, res.Ignored)
    assert.Nil(t, res.Inbound)
}

func TestStripeParse(t *testing.T) {
    res := parse(t, model.PlatformStripe, `{"id":"evt_1","type":"checkout.session.completed","created":1767225600,
        "data":{"object":{"amount_total":270050,"currency":"usd","payment_status":"paid",
        "customer_details":{"email":"Ann@Example.com","name":"Ann Lee"},"metadata":{"subscriber_id":"1001"}}}}`)
    ev := res.Payment
    require.NotNil(t, ev)
    assert.Equal(t, "evt_1", ev.ProviderEventID)
    assert.Equal(t, "USD", ev.Currency)
    assert.Equal(t, "ann@example.com", ev.Identity.PaymentEmail)
    assert.Equal(t, "1001", ev.Identity.SubscriberID)
    require.Len(t, ev.Lines, 1)
    assert.Equal(t, model.CategoryFullPurchase, ev.Lines[0].Category)
    assert.Equal(t, model.PaymentStatusPaid, ev.Lines[0].Status)
    assert.True(t, ev.Lines[0].Amount.Equal(dec("2700.50")), ev.Lines[0].Amount.String())

    res = parse(t, model.PlatformStripe, `{"id":"evt_2","type":"checkout.session.completed",
        "data":{"object":{"amount_total":5000,"currency":"jpy","payment_status":"unpaid"}}}`)
    assert.True(t, res.Payment.Lines[0].Amount.Equal(dec("5000")))
    assert.Equal(t, model.PaymentStatusPending, res.Payment.Lines[0].Status)

    res = parse(t, model.PlatformStripe, `{"id":"evt_3","type":"charge.refunded",
        "data":{"object":{"amount":9000,"amount_refunded":1500,"currency":"usd"}}}`)
    require.Len(t, res.Payment.Lines, 1)
    assert.Equal(t, model.CategoryRefund, res.Payment.Lines[0].Category)
    assert.True(t, res.Payment.Lines[0].Amount.Equal(dec("-15")))

    res = parse(t, model.PlatformStripe, `{"id":"evt_4","type":"checkout.session.created",
        "data":{"object":{"customer_email":"a@b.co"}}}`)
    assert.Equal(t, model.StageCheckoutStarted, res.Payment.Stage)
    assert.Empty(t, res.Payment.Lines)

    res = parse(t, model.PlatformStripe, `{"id":"evt_5","type":"invoice.paid","data":{"object":{}}}`)
    assert.True(t, res.Ignored)

    _, err := Stripe{}.Parse([]byte(`{"type":"charge.refunded","data":{"object":{"amount":1}}}`))
    assert.ErrorIs(t, err, ErrMalformed)
}

func TestStripePartialRefunds(t *testing.T) {
    // Second partial refund on a charge: amount_refunded is the running total.
    res := parse(t, model.PlatformStripe, `{"id":"evt_r2","type":"charge.refunded",
        "data":{"object":{"amount":270000,"amount_refunded":100000,"currency":"usd"},
        "previous_attributes":{"amount_refunded":50000}}}`)
    require.Len(t, res.Payment.Lines, 1)
    assert.True(t, res.Payment.Lines[0].Amount.Equal(dec("-500")), res.Payment.Lines[0].Amount.String())

    res = parse(t, model.PlatformStripe, `{"id":"evt_r3","type":"charge.refunded",
        "data":{"object":{"amount":270000,"amount_refunded":100000,"currency":"usd",
        "refunds":{"data":[{"id":"re_2","amount":25000},{"id":"re_1","amount":75000}]}}}}`)
    assert.True(t, res.Payment.Lines[0].Amount.Equal(dec("-250")), res.Payment.Lines[0].Amount.String())
}

func TestStripeAsyncPaymentSucceeded(t *testing.T) {
    res := parse(t, model.PlatformStripe, `{"id":"evt_a1","type":"checkout.session.async_payment_succeeded",
        "data":{"object":{"amount_total":120000,"currency":"usd","payment_status":"paid"}}}`)
    require.Len(t, res.Payment.Lines, 1)
    assert.Equal(t, model.CategoryFullPurchase, res.Payment.Lines[0].Category)
    assert.Equal(t, model.PaymentStatusPaid, res.Payment.Lines[0].Status)
    assert.True(t, res.Payment.Lines[0].Amount.Equal(dec("1200")))
}

func TestPayloadIndexesArrays(t *testing.T) {
    p, err := decode([]byte(`{"a":{"list":[{"n":1},{"n":2}]}}`))
    require.NoError(t, err)
    n, ok := p.integer("a.list.1.n")
    assert.True(t, ok)
    assert.Equal(t, int64(2), n)
    _, ok = p.integer("a.list.2.n")
    assert.False(t, ok)
    _, ok = p.integer("a.list.x.n")
    assert.False(t, ok)
}

func TestDenefitsContract(t *testing.T) {
    res := parse(t, model.PlatformDenefits, `{"event":"contract.created","data":{"currency":"usd","contract":{
        "contract_id":"C-1","financed_amount":"$3,000.00","downpayment_amount":500,
        "customer":{"email":"Ann@Example.com","name":"Ann Lee"}}}}`)
    ev := res.Payment
    require.NotNil(t, ev)
    assert.Equal(t, "C-1", ev.ContractID)
    assert.Equal(t, "denefits:contract:C-1:created", ev.ProviderEventID)
    assert.Equal(t, "USD", ev.Currency)
    assert.Equal(t, "ann@example.com", ev.Identity.PaymentEmail)
    require.Len(t, ev.Lines, 2)
    assert.Equal(t, PlanLineID("C-1"), ev.Lines[0].ProviderEventID)
    assert.Equal(t, model.CategoryPaymentPlan, ev.Lines[0].Category)
    assert.Equal(t, model.PaymentStatusActive, ev.Lines[0].Status)
    assert.True(t, ev.Lines[0].Amount.Equal(dec("3000")))
    assert.Equal(t, DownpaymentLineID("C-1"), ev.Lines[1].ProviderEventID)
    assert.True(t, ev.Lines[1].Amount.Equal(dec("500")))
    assert.Empty(t, ev.Reconstruct)

    res = parse(t, model.PlatformDenefits, `{"event":"contract.created","data":{"contract_id":"C-2","financed_amount":900}}`)
    assert.Len(t, res.Payment.Lines, 1, "no downpayment line without a downpayment")
}

func TestDenefitsRecurring(t *testing.T) {
    res := parse(t, model.PlatformDenefits, `{"event":"recurring_payment","data":{"contract_id":"C-1","payment_id":"P-7",
        "amount":"250.00","financed_amount":3000,"customer":{"email":"ann@example.com"}}}`)
    ev := res.Payment
    require.NotNil(t, ev)
    assert.Equal(t, "denefits:payment:P-7", ev.ProviderEventID)
    require.Len(t, ev.Lines, 1)
    assert.Equal(t, model.CategoryRecurring, ev.Lines[0].Category)
    assert.True(t, ev.Lines[0].Amount.Equal(dec("250")))
    require.Len(t, ev.Reconstruct, 1)
    assert.Equal(t, PlanLineID("C-1"), ev.Reconstruct[0].ProviderEventID)
    assert.True(t, ev.Reconstruct[0].Amount.Equal(dec("3000")))

    res = parse(t, model.PlatformDenefits, `{"event":"installment_paid","data":{"contract_id":"C-1","installment_number":3,"amount":250}}`)
    assert.Equal(t, "denefits:contract:C-1:recurring:3", res.Payment.ProviderEventID)
    assert.True(t, res.Payment.Reconstruct[0].Amount.IsZero())

    _, err := Denefits{}.Parse([]byte(`{"event":"installment_paid","data":{"contract_id":"C-1","amount":250}}`))
    assert.ErrorIs(t, err, ErrMalformed)
}

func TestDenefitsRefundAndErrors(t *testing.T) {
    res := parse(t, model.PlatformDenefits, `{"event":"contract.refunded","data":{"contract_id":"C-1","refund_id":"R-1","refund_amount":100}}`)
    require.Len(t, res.Payment.Lines, 1)
    assert.Equal(t, "denefits:refund:R-1", res.Payment.ProviderEventID)
    assert.Equal(t, model.PaymentStatusRefunded, res.Payment.Lines[0].Status)
    assert.True(t, res.Payment.Lines[0].Amount.Equal(dec("-100")))

    _, err := Denefits{}.Parse([]byte(`{"event":"contract.created","data":{}}`))
    assert.ErrorIs(t, err, ErrMalformed)

    res = parse(t, model.PlatformDenefits, `{"event":"contract.viewed","data":{"contract_id":"C-1"}}`)
    assert.True(t, res.Ignored)
}

func TestDescribe(t *testing.T) {
    d, err := Describe(model.Tenant{Name: "Acme Coaching"}, model.PlatformStripe)
    require.NoError(t, err)
    assert.Equal(t, "Acme Coaching", d.Tenant)
    assert.Equal(t, "stripe", d.Platform)
    assert.Equal(t, "ok", d.Status)
    assert.Equal(t, []string{"charge.refunded", "checkout.session.async_payment_succeeded", "checkout.session.completed", "checkout.session.created"}, d.EventTypes)

    _, err = Describe(model.Tenant{}, model.Platform("fax"))
    assert.ErrorIs(t, err, ErrUnknownPlatform)
}

func TestVerifySignature(t *testing.T) {
    body := []byte(`{"event":"invitee.created"}`)
    now := time.Unix(1767225600, 0)
    tenant := model.Tenant{CalendlySigningKey: "cal-key"}

    assert.NoError(t, Verify(model.PlatformCalendly, model.Tenant{}, http.Header{}, body, now), "no key configured")
    assert.NoError(t, Verify(model.PlatformManyChat, tenant, http.Header{}, body, now))

    h := http.Header{}
    h.Set(CalendlySignatureHeader, SignatureHeader("cal-key", now, body))
    assert.NoError(t, Verify(model.PlatformCalendly, tenant, h, body, now))
    assert.NoError(t, Verify(model.PlatformCalendly, tenant, h, body, now.Add(4*time.Minute)))
    assert.ErrorIs(t, Verify(model.PlatformCalendly, tenant, h, body, now.Add(6*time.Minute)), ErrBadSignature)
    assert.ErrorIs(t, Verify(model.PlatformCalendly, tenant, h, []byte(`{}`), now), ErrBadSignature)

    ts := "1767225600"
    h.Set(CalendlySignatureHeader, "t="+ts+",v1=00ff,v1="+Sign("cal-key", ts, body))
    assert.NoError(t, Verify(model.PlatformCalendly, tenant, h, body, now), "any matching v1 is accepted")

    for _, bad := range []string{"", "v1=abc", "t=abc,v1=abc", "garbage"} {
        h.Set(CalendlySignatureHeader, bad)
        assert.ErrorIs(t, Verify(model.PlatformCalendly, tenant, h, body, now), ErrBadSignature, bad)
    }
}
