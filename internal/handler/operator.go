package handler

import (
    "errors"
    "net/http"
    "strconv"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/shopspring/decimal"

    "github.com/iliyamo/funnel-ingest/internal/middleware"
    "github.com/iliyamo/funnel-ingest/internal/model"
    "github.com/iliyamo/funnel-ingest/internal/repository"
    "github.com/iliyamo/funnel-ingest/internal/service"
)

const (
    defaultListLimit = 50
    maxListLimit     = 500
)

// OperatorHandler exposes the recovery tools for a tenant: orphan payments,
// webhook replay and conversion retries.
type OperatorHandler struct {
    Payments  *service.PaymentIngestor
    Processor *service.Processor
    Sender    *service.ConversionSender
}

// NewOperatorHandler constructs an OperatorHandler.  All dependencies must
// be non-nil.
func NewOperatorHandler(payments *service.PaymentIngestor, processor *service.Processor, sender *service.ConversionSender) *OperatorHandler {
    if payments == nil || processor == nil || sender == nil {
        panic("nil dependency passed to NewOperatorHandler")
    }
    return &OperatorHandler{Payments: payments, Processor: processor, Sender: sender}
}

type paymentResponse struct {
    ID              uint64          `json:"id"`
    ContactID       *uint64         `json:"contact_id"`
    Provider        string          `json:"provider"`
    ProviderEventID string          `json:"provider_event_id"`
    Category        string          `json:"category"`
    Amount          decimal.Decimal `json:"amount"`
    Currency        string          `json:"currency"`
    Status          string          `json:"status"`
    Email           *string         `json:"email,omitempty"`
    ContractID      *string         `json:"contract_id,omitempty"`
    PaidAt          time.Time       `json:"paid_at"`
}

func toPaymentResponse(p model.Payment) paymentResponse {
    return paymentResponse{
        ID:              p.ID,
        ContactID:       p.ContactID,
        Provider:        string(p.Provider),
        ProviderEventID: p.ProviderEventID,
        Category:        string(p.Category),
        Amount:          p.Amount,
        Currency:        p.Currency,
        Status:          p.Status,
        Email:           p.Email,
        ContractID:      p.ContractID,
        PaidAt:          p.PaidAt,
    }
}

// conversionResponse leaves out user_data; operators see delivery state,
// not identity digests.
type conversionResponse struct {
    ID            uint64     `json:"id"`
    ContactID     *uint64    `json:"contact_id"`
    EventName     string     `json:"event_name"`
    EventID       string     `json:"event_id"`
    EventTime     time.Time  `json:"event_time"`
    Attempts      int        `json:"attempts"`
    LastAttemptAt *time.Time `json:"last_attempt_at"`
    Result        string     `json:"result"`
    LastError     *string    `json:"last_error,omitempty"`
}

func toConversionResponse(ev model.ConversionEvent) conversionResponse {
    return conversionResponse{
        ID:            ev.ID,
        ContactID:     ev.ContactID,
        EventName:     ev.EventName,
        EventID:       ev.EventID,
        EventTime:     ev.EventTime,
        Attempts:      ev.Attempts,
        LastAttemptAt: ev.LastAttemptAt,
        Result:        ev.Result,
        LastError:     ev.LastError,
    }
}

// ListOrphans handles GET /v1/admin/:tenant/orphans.  Optional ?limit=
// caps the result (default 50, max 500).
func (h *OperatorHandler) ListOrphans(c echo.Context) error {
    tenant, ok := middleware.TenantFrom(c)
    if !ok {
        return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown tenant"})
    }
    ps, err := h.Payments.ListOrphans(c.Request().Context(), tenant.ID, listLimit(c))
    if err != nil {
        c.Logger().Errorf("operator: list orphans: %v", err)
        return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to list orphans"})
    }
    items := make([]paymentResponse, 0, len(ps))
    for _, p := range ps {
        items = append(items, toPaymentResponse(p))
    }
    return c.JSON(http.StatusOK, echo.Map{"items": items, "count": len(items)})
}

type linkRequest struct {
    ContactID uint64 `json:"contact_id"`
}

// LinkPayment handles POST /v1/admin/:tenant/payments/:id/link.  It
// attaches an orphan payment to the contact in the body and recomputes
// that contact's purchase total.
func (h *OperatorHandler) LinkPayment(c echo.Context) error {
    tenant, ok := middleware.TenantFrom(c)
    if !ok {
        return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown tenant"})
    }
    id, err := strconv.ParseUint(c.Param("id"), 10, 64)
    if err != nil || id == 0 {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payment id"})
    }
    var req linkRequest
    if err := c.Bind(&req); err != nil || req.ContactID == 0 {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "contact_id is required"})
    }
    p, err := h.Payments.LinkOrphan(c.Request().Context(), tenant, id, req.ContactID)
    switch {
    case errors.Is(err, repository.ErrNotFound):
        return c.JSON(http.StatusNotFound, echo.Map{"error": "payment or contact not found"})
    case errors.Is(err, repository.ErrConflict):
        return c.JSON(http.StatusConflict, echo.Map{"error": "payment is already linked"})
    case err != nil && p.ID == 0:
        c.Logger().Errorf("operator: link payment id=%d: %v", id, err)
        return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to link payment"})
    case err != nil:
        // Linked, but the follow-up reconciliation failed; the next
        // payment for the contact recomputes the total.
        c.Logger().Warnf("operator: reconcile after link id=%d: %v", id, err)
    }
    c.Logger().Infof("operator: %s linked payment id=%d to contact=%d", middleware.Operator(c), id, req.ContactID)
    return c.JSON(http.StatusOK, toPaymentResponse(p))
}

// ReplayWebhook handles POST /v1/admin/:tenant/webhook-logs/:id/replay.
func (h *OperatorHandler) ReplayWebhook(c echo.Context) error {
    tenant, ok := middleware.TenantFrom(c)
    if !ok {
        return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown tenant"})
    }
    id, err := strconv.ParseUint(c.Param("id"), 10, 64)
    if err != nil || id == 0 {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid log id"})
    }
    out, err := h.Processor.Replay(c.Request().Context(), tenant, id)
    if errors.Is(err, repository.ErrNotFound) {
        return c.JSON(http.StatusNotFound, echo.Map{"error": "webhook log not found"})
    }
    if err != nil {
        c.Logger().Errorf("operator: replay log id=%d: %v", id, err)
        return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to replay webhook"})
    }
    c.Logger().Infof("operator: %s replayed log id=%d status=%s", middleware.Operator(c), id, out.Status)
    return c.JSON(http.StatusOK, out)
}

// ListFailedConversions handles GET /v1/admin/:tenant/conversions/failed.
func (h *OperatorHandler) ListFailedConversions(c echo.Context) error {
    tenant, ok := middleware.TenantFrom(c)
    if !ok {
        return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown tenant"})
    }
    evs, err := h.Sender.ListExhausted(c.Request().Context(), tenant.ID, listLimit(c))
    if err != nil {
        c.Logger().Errorf("operator: list failed conversions: %v", err)
        return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to list conversions"})
    }
    items := make([]conversionResponse, 0, len(evs))
    for _, ev := range evs {
        items = append(items, toConversionResponse(ev))
    }
    return c.JSON(http.StatusOK, echo.Map{"items": items, "count": len(items)})
}

// RetryConversion handles POST /v1/admin/:tenant/conversions/:id/retry.
// The attempt ceiling does not apply to operator retries.
func (h *OperatorHandler) RetryConversion(c echo.Context) error {
    tenant, ok := middleware.TenantFrom(c)
    if !ok {
        return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown tenant"})
    }
    id, err := strconv.ParseUint(c.Param("id"), 10, 64)
    if err != nil || id == 0 {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid conversion id"})
    }
    delivered, err := h.Sender.SendForce(c.Request().Context(), tenant.ID, id)
    if errors.Is(err, repository.ErrNotFound) {
        return c.JSON(http.StatusNotFound, echo.Map{"error": "conversion not found"})
    }
    if err != nil {
        c.Logger().Errorf("operator: retry conversion id=%d: %v", id, err)
        return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retry conversion"})
    }
    c.Logger().Infof("operator: %s retried conversion id=%d delivered=%t", middleware.Operator(c), id, delivered)
    return c.JSON(http.StatusOK, echo.Map{"id": id, "delivered": delivered})
}

func listLimit(c echo.Context) int {
    n, err := strconv.Atoi(c.QueryParam("limit"))
    if err != nil || n <= 0 {
        return defaultListLimit
    }
    if n > maxListLimit {
        return maxListLimit
    }
    return n
}
