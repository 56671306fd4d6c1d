/**
 * @description
 * HTTP handlers for the payment-service API. Handlers parse the request, resolve the
 * caller's principal, call the application service and render either the resource or
 * the `{"error":{code,message,details}}` envelope.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - go.uber.org/zap: Structured request logging.
 * - internal/domain, internal/gateway: Models, error kinds and processor lookup.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/gateway"
	"go.uber.org/zap"
)

const (
	maxRequestBodyBytes = 1 << 20
	maxWebhookBodyBytes = 1 << 20
)

// PaymentService is the application surface the handlers drive.
type PaymentService interface {
	CreateIntent(ctx context.Context, principal domain.Principal, req domain.CreatePaymentIntentRequest) (*domain.PaymentIntent, error)
	GetIntent(ctx context.Context, principal domain.Principal, id string) (*domain.PaymentIntent, error)
	CancelIntent(ctx context.Context, principal domain.Principal, id string) (*domain.PaymentIntent, error)
	ConfirmPayment(ctx context.Context, principal domain.Principal, req domain.ConfirmPaymentRequest) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, principal domain.Principal, id string) (*domain.TransactionWithRefunds, error)
	ListTransactions(ctx context.Context, principal domain.Principal, filter domain.TransactionFilter) (*domain.TransactionPage, error)
	CreateRefund(ctx context.Context, principal domain.Principal, req domain.CreateRefundRequest) (*domain.Refund, error)
	GetRefund(ctx context.Context, principal domain.Principal, id string) (*domain.Refund, error)
	CreatePaymentMethod(ctx context.Context, principal domain.Principal, req domain.CreatePaymentMethodRequest) (*domain.PaymentMethod, error)
	ListPaymentMethods(ctx context.Context, principal domain.Principal) ([]domain.PaymentMethod, error)
	IngestWebhook(ctx context.Context, processor string, payload []byte, signature string) (*domain.WebhookIngestResult, error)
	Redrive(ctx context.Context, id string) (*domain.WebhookIngestResult, error)
}

// GatewayLookup resolves a processor by name. *gateway.Registry satisfies it.
type GatewayLookup interface {
	Get(name string) (gateway.Gateway, error)
}

// PaymentHandlers holds the dependencies shared by every endpoint.
type PaymentHandlers struct {
	service  PaymentService
	gateways GatewayLookup
	logger   *zap.Logger
}

// NewPaymentHandlers creates a new PaymentHandlers.
func NewPaymentHandlers(service PaymentService, gateways GatewayLookup, logger *zap.Logger) *PaymentHandlers {
	return &PaymentHandlers{service: service, gateways: gateways, logger: logger.With(zap.String("component", "api"))}
}

type errorEnvelope struct {
	Error *domain.Error `json:"error"`
}

// CreateIntentHandler handles POST /payment-intents.
func (h *PaymentHandlers) CreateIntentHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req domain.CreatePaymentIntentRequest
	if !h.decode(w, r, "create_intent", &req) {
		return
	}

	intent, err := h.service.CreateIntent(r.Context(), principal, req)
	if err != nil {
		h.writeServiceError(w, "create_intent", err)
		return
	}
	h.logger.Info("payment intent created",
		zap.String("endpoint", "create_intent"),
		zap.String("intent_id", intent.ID.String()),
		zap.String("owner_service", intent.ServiceName),
	)
	writeJSON(w, http.StatusCreated, intent)
}

// GetIntentHandler handles GET /payment-intents/{id}.
func (h *PaymentHandlers) GetIntentHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	intent, err := h.service.GetIntent(r.Context(), principal, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "get_intent", err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

// CancelIntentHandler handles POST /payment-intents/{id}/cancel.
func (h *PaymentHandlers) CancelIntentHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	intent, err := h.service.CancelIntent(r.Context(), principal, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "cancel_intent", err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

// ConfirmPaymentHandler handles POST /payments.
func (h *PaymentHandlers) ConfirmPaymentHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req domain.ConfirmPaymentRequest
	if !h.decode(w, r, "confirm_payment", &req) {
		return
	}

	tx, err := h.service.ConfirmPayment(r.Context(), principal, req)
	if err != nil {
		h.writeServiceError(w, "confirm_payment", err)
		return
	}
	h.logger.Info("payment confirmed",
		zap.String("endpoint", "confirm_payment"),
		zap.String("transaction_id", tx.ID.String()),
		zap.String("status", string(tx.Status)),
	)
	writeJSON(w, http.StatusOK, tx)
}

// ListTransactionsHandler handles GET /payments.
func (h *PaymentHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	filter, err := parseTransactionFilter(r.URL.Query())
	if err != nil {
		h.writeServiceError(w, "list_transactions", err)
		return
	}

	page, err := h.service.ListTransactions(r.Context(), principal, filter)
	if err != nil {
		h.writeServiceError(w, "list_transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetTransactionHandler handles GET /payments/{id}.
func (h *PaymentHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	tx, err := h.service.GetTransaction(r.Context(), principal, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "get_transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// CreateRefundHandler handles POST /refunds.
func (h *PaymentHandlers) CreateRefundHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req domain.CreateRefundRequest
	if !h.decode(w, r, "create_refund", &req) {
		return
	}

	refund, err := h.service.CreateRefund(r.Context(), principal, req)
	if err != nil {
		h.writeServiceError(w, "create_refund", err)
		return
	}
	h.logger.Info("refund accepted",
		zap.String("endpoint", "create_refund"),
		zap.String("refund_id", refund.ID.String()),
		zap.String("transaction_id", refund.TransactionID.String()),
		zap.String("status", string(refund.Status)),
	)
	writeJSON(w, http.StatusCreated, refund)
}

// GetRefundHandler handles GET /refunds/{id}.
func (h *PaymentHandlers) GetRefundHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	refund, err := h.service.GetRefund(r.Context(), principal, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "get_refund", err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

// CreatePaymentMethodHandler handles POST /payment-methods.
func (h *PaymentHandlers) CreatePaymentMethodHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req domain.CreatePaymentMethodRequest
	if !h.decode(w, r, "create_payment_method", &req) {
		return
	}

	method, err := h.service.CreatePaymentMethod(r.Context(), principal, req)
	if err != nil {
		h.writeServiceError(w, "create_payment_method", err)
		return
	}
	writeJSON(w, http.StatusCreated, method)
}

// ListPaymentMethodsHandler handles GET /payment-methods.
func (h *PaymentHandlers) ListPaymentMethodsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	methods, err := h.service.ListPaymentMethods(r.Context(), principal)
	if err != nil {
		h.writeServiceError(w, "list_payment_methods", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": methods})
}

// WebhookHandler handles POST /webhooks/{processor}. The processor signature covers the
// raw body bytes, so the body is passed through undecoded.
func (h *PaymentHandlers) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	processor := strings.ToLower(chi.URLParam(r, "processor"))

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.writeServiceError(w, "webhook", domain.NewError(domain.KindValidation, "webhook body could not be read").WithCause(err))
		return
	}

	var signature string
	if gw, err := h.gateways.Get(processor); err == nil {
		signature = r.Header.Get(gw.SignatureHeader())
	}

	result, err := h.service.IngestWebhook(r.Context(), processor, payload, signature)
	if err != nil {
		h.writeServiceError(w, "webhook", err)
		return
	}
	h.logger.Info("webhook accepted",
		zap.String("endpoint", "webhook"),
		zap.String("processor", processor),
		zap.String("event_id", result.EventID.String()),
		zap.Bool("duplicate", result.Duplicate),
		zap.Bool("processed", result.Processed),
	)
	writeJSON(w, http.StatusOK, result)
}

// RedriveWebhookHandler handles POST /internal/webhook-events/{id}/redrive.
func (h *PaymentHandlers) RedriveWebhookHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Redrive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "redrive_webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *PaymentHandlers) principal(w http.ResponseWriter, r *http.Request) (domain.Principal, bool) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		h.logger.Error("principal missing from request context", zap.String("path", r.URL.Path))
		writeUnauthorized(w, "unauthenticated")
		return domain.Principal{}, false
	}
	return principal, true
}

func (h *PaymentHandlers) decode(w http.ResponseWriter, r *http.Request, endpoint string, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(dst); err != nil {
		h.logger.Warn("rejected request",
			zap.String("endpoint", endpoint),
			zap.String("reason", "invalid_json"),
			zap.Error(err),
		)
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: domain.NewError(domain.KindValidation, "invalid request body")})
		return false
	}
	return true
}

// writeServiceError renders err as the error envelope. Unclassified errors are logged
// with their cause and rendered as a bare internal error.
func (h *PaymentHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	de := domain.AsError(err)
	if de.Kind == domain.KindInternal {
		h.logger.Error("request failed", zap.String("endpoint", endpoint), zap.Error(err))
	} else {
		h.logger.Warn("request rejected",
			zap.String("endpoint", endpoint),
			zap.String("code", de.Code),
			zap.Error(err),
		)
	}

	if de.Kind == domain.KindRateLimited {
		if retryAfter, ok := de.Details["retryAfterSeconds"]; ok {
			w.Header().Set("Retry-After", fmt.Sprint(retryAfter))
		}
	}
	writeJSON(w, de.HTTPStatus, errorEnvelope{Error: de})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// parseTransactionFilter reads the GET /payments query string. Range checks on page and
// limit belong to the service.
func parseTransactionFilter(q url.Values) (domain.TransactionFilter, error) {
	var filter domain.TransactionFilter

	if v := strings.TrimSpace(q.Get("status")); v != "" {
		status := domain.TransactionStatus(strings.ToLower(v))
		filter.Status = &status
	}
	if v := strings.TrimSpace(q.Get("type")); v != "" {
		txType := domain.TransactionType(strings.ToLower(v))
		filter.Type = &txType
	}
	if v := strings.TrimSpace(q.Get("provider")); v != "" {
		provider := strings.ToLower(v)
		filter.Provider = &provider
	}

	var err error
	if filter.StartDate, err = parseDateParam(q.Get("startDate"), false); err != nil {
		return filter, domain.NewError(domain.KindValidation, "startDate must be RFC3339 or YYYY-MM-DD").WithDetail("field", "startDate")
	}
	if filter.EndDate, err = parseDateParam(q.Get("endDate"), true); err != nil {
		return filter, domain.NewError(domain.KindValidation, "endDate must be RFC3339 or YYYY-MM-DD").WithDetail("field", "endDate")
	}

	if filter.Page, err = parseIntParam(q.Get("page")); err != nil {
		return filter, domain.NewError(domain.KindValidation, "page must be an integer").WithDetail("field", "page")
	}
	if filter.Limit, err = parseIntParam(q.Get("limit")); err != nil {
		return filter, domain.NewError(domain.KindValidation, "limit must be an integer").WithDetail("field", "limit")
	}
	return filter, nil
}

// parseDateParam accepts RFC3339 timestamps or bare dates. A bare end date covers the
// whole day.
func parseDateParam(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return &ts, nil
	}
	day, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		day = day.Add(24*time.Hour - time.Nanosecond)
	}
	return &day, nil
}

func parseIntParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("not an integer")
	}
	return n, nil
}
