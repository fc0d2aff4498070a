package adapter

import (
    "fmt"
    "strings"

    "github.com/iliyamo/funnel-ingest/internal/model"
)

// Denefits parses financing-provider events.  Its deliveries are not
// ordered: a recurring payment can arrive before the contract it belongs
// to, so contract lines use deterministic ids that either event can write.
type Denefits struct{}

type denefitsKind int

const (
    denefitsContract denefitsKind = iota + 1
    denefitsRecurring
    denefitsRefund
)

var denefitsEvents = map[string]denefitsKind{
    "contractcreated":  denefitsContract,
    "newcontract":      denefitsContract,
    "contractsigned":   denefitsContract,
    "recurringpayment": denefitsRecurring,
    "paymentrecurring": denefitsRecurring,
    "installmentpaid":  denefitsRecurring,
    "paymentreceived":  denefitsRecurring,
    "contractrefunded": denefitsRefund,
    "paymentrefunded":  denefitsRefund,
    "refund":           denefitsRefund,
    "refundissued":     denefitsRefund,
}

// PlanLineID is the ledger id of a contract's financed total.
func PlanLineID(contractID string) string { return "denefits:contract:" + contractID + ":plan" }

// DownpaymentLineID is the ledger id of a contract's downpayment.
func DownpaymentLineID(contractID string) string {
    return "denefits:contract:" + contractID + ":downpayment"
}

func (Denefits) Platform() model.Platform { return model.PlatformDenefits }

func (Denefits) EventTypes() []string {
    return []string{"contract.created", "recurring_payment", "contract.refunded"}
}

func (Denefits) Parse(body []byte) (Result, error) {
    p, err := decode(body)
    if err != nil {
        return Result{}, err
    }
    name := p.str("event", "event_type", "type", "webhook_type")
    kind, ok := denefitsEvents[eventKey(name)]
    if !ok {
        return Result{EventType: name, Ignored: true}, nil
    }
    d := p.object("data")
    if d == nil {
        d = p
    }
    contract := d.object("contract")
    if contract == nil {
        contract = d
    }
    contractID := contract.str("contract_id", "id", "contract_number")
    if contractID == "" {
        contractID = d.str("contract_id")
    }
    if contractID == "" {
        return Result{EventType: name}, fmt.Errorf("%w: denefits event without contract id", ErrMalformed)
    }
    customer := contract.object("customer")
    if customer == nil {
        customer = d.object("customer")
    }
    if customer == nil {
        customer = contract
    }
    first := customer.str("first_name", "firstName")
    last := customer.str("last_name", "lastName")
    if first == "" && last == "" {
        first, last = splitName(customer.str("name", "customer_name"))
    }
    eventID := p.str("event_id", "id", "webhook_id")

    ev := model.PaymentEvent{
        Provider:   model.PlatformDenefits,
        EventName:  name,
        ContractID: contractID,
        Currency:   strings.ToUpper(d.str("currency", "contract.currency")),
        OccurredAt: p.timestamp("created_at", "timestamp", "data.payment_date", "data.created_at"),
        Identity: model.IdentityFragments{
            PaymentEmail: strings.ToLower(customer.str("email", "customer_email")),
            Phone:        customer.str("phone", "mobile", "phone_number"),
            FirstName:    first,
            LastName:     last,
        },
        Payload: p.raw(),
    }
    financed, hasFinanced := contract.amount("financed_amount", "financing_amount", "amount_financed", "contract_amount")

    switch kind {
    case denefitsContract:
        ev.ProviderEventID = "denefits:contract:" + contractID + ":created"
        ev.Lines = []model.PaymentLine{{
            ProviderEventID: PlanLineID(contractID),
            Category:        model.CategoryPaymentPlan,
            Amount:          financed,
            Status:          model.PaymentStatusActive,
        }}
        down, ok := contract.amount("downpayment_amount", "down_payment", "downpayment", "down_payment_amount")
        if ok && down.IsPositive() {
            ev.Lines = append(ev.Lines, model.PaymentLine{
                ProviderEventID: DownpaymentLineID(contractID),
                Category:        model.CategoryDownpayment,
                Amount:          down,
                Status:          model.PaymentStatusPaid,
            })
        }
    case denefitsRecurring:
        amount, _ := d.amount("recurring_amount", "installment_amount", "payment.amount", "amount", "contract.recurring_amount")
        payID := d.str("payment_id", "payment.id", "transaction_id")
        switch {
        case payID != "":
            ev.ProviderEventID = "denefits:payment:" + payID
        case eventID != "":
            ev.ProviderEventID = "denefits:event:" + eventID
        default:
            n := d.str("installment_number", "payment_number", "payment_date")
            if n == "" {
                return Result{EventType: name}, fmt.Errorf("%w: recurring payment without id", ErrMalformed)
            }
            ev.ProviderEventID = "denefits:contract:" + contractID + ":recurring:" + n
        }
        ev.Lines = []model.PaymentLine{{
            ProviderEventID: ev.ProviderEventID,
            Category:        model.CategoryRecurring,
            Amount:          amount,
            Status:          model.PaymentStatusPaid,
        }}
        if !hasFinanced {
            financed, _ = d.amount("financed_amount")
        }
        ev.Reconstruct = []model.PaymentLine{{
            ProviderEventID: PlanLineID(contractID),
            Category:        model.CategoryPaymentPlan,
            Amount:          financed,
            Status:          model.PaymentStatusActive,
        }}
    case denefitsRefund:
        amount, _ := d.amount("refund_amount", "refunded_amount", "amount")
        refID := d.str("refund_id", "refund.id")
        switch {
        case refID != "":
            ev.ProviderEventID = "denefits:refund:" + refID
        case eventID != "":
            ev.ProviderEventID = "denefits:refund:" + eventID
        default:
            ev.ProviderEventID = "denefits:contract:" + contractID + ":refund"
        }
        ev.Lines = []model.PaymentLine{{
            ProviderEventID: ev.ProviderEventID,
            Category:        model.CategoryRefund,
            Amount:          amount.Abs().Neg(),
            Status:          model.PaymentStatusRefunded,
        }}
    }
    return Result{Payment: &ev, EventType: name}, nil
}
