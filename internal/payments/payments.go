// Package payments turns external payment confirmations into token
// purchases. It accepts Stripe Checkout webhooks and a generic provisioning
// call; both funnel into one idempotent upgrade keyed by payment reference.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/tiergate/internal/ledger"
	"github.com/mbd888/tiergate/internal/logging"
	"github.com/mbd888/tiergate/internal/tier"
)

// Checkout session metadata keys set when the session is created.
const (
	MetadataUserID = "user_id"
	MetadataTokens = "tokens"
)

const maxWebhookBodyBytes = int64(65536)

var (
	ErrMissingUserID = errors.New("checkout session has no user id")
	ErrMissingTokens = errors.New("checkout session has no valid token count")
)

// Provisioner applies a purchase to the ledger.
type Provisioner interface {
	UpgradeToPaid(ctx context.Context, userID string, tokensPurchased int64, paymentRef string) (*ledger.PurchaseResult, error)
}

// ProvisionRequest is the processor-neutral provisioning payload.
type ProvisionRequest struct {
	UserID          string `json:"userId" binding:"required"`
	TokensPurchased int64  `json:"tokensPurchased" binding:"required"`
	PaymentRef      string `json:"paymentRef" binding:"required"`
}

// Handler serves the provisioning endpoints.
type Handler struct {
	provisioner   Provisioner
	webhookSecret string
	logger        *slog.Logger
}

// NewHandler creates a payments handler. An empty webhookSecret disables
// the Stripe endpoint.
func NewHandler(p Provisioner, webhookSecret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{provisioner: p, webhookSecret: webhookSecret, logger: logger}
}

// RegisterRoutes sets up the public webhook route. Authenticity comes from
// the Stripe signature, not from API auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/stripe/webhook", h.StripeWebhook)
}

// RegisterAdminRoutes sets up the authenticated provisioning route.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/payments/provision", h.Provision)
}

// Provision handles POST /v1/admin/payments/provision
func (h *Handler) Provision(c *gin.Context) {
	var req ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	h.apply(c, req)
}

// StripeWebhook handles POST /v1/payments/stripe/webhook
func (h *Handler) StripeWebhook(c *gin.Context) {
	if h.webhookSecret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "not_configured",
			"message": "Stripe webhook is not configured",
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid payload"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, c.GetHeader("Stripe-Signature"), h.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		logging.L(c.Request.Context()).Warn("stripe webhook signature failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Signature verification failed"})
		return
	}

	switch string(event.Type) {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid session payload"})
			return
		}
		if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			// Delayed payment methods confirm later through async_payment_succeeded.
			h.logger.Info("checkout session not yet paid", "session_id", sess.ID, "payment_status", sess.PaymentStatus)
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		req, err := ProvisionFromSession(&sess)
		if err != nil {
			h.logger.Error("unprovisionable checkout session", "session_id", sess.ID, "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session", "message": err.Error()})
			return
		}
		h.apply(c, req)
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}

// ProvisionFromSession extracts the purchase from a paid checkout session.
// The session id is the payment reference, so Stripe's redeliveries of the
// same session dedupe in the ledger.
func ProvisionFromSession(sess *stripe.CheckoutSession) (ProvisionRequest, error) {
	userID := sess.Metadata[MetadataUserID]
	if userID == "" {
		userID = sess.ClientReferenceID
	}
	if userID == "" {
		return ProvisionRequest{}, ErrMissingUserID
	}
	tokens, err := strconv.ParseInt(sess.Metadata[MetadataTokens], 10, 64)
	if err != nil || tokens <= 0 {
		return ProvisionRequest{}, fmt.Errorf("%w: %q", ErrMissingTokens, sess.Metadata[MetadataTokens])
	}
	return ProvisionRequest{UserID: userID, TokensPurchased: tokens, PaymentRef: sess.ID}, nil
}

func (h *Handler) apply(c *gin.Context, req ProvisionRequest) {
	ctx := logging.WithUserID(c.Request.Context(), req.UserID)
	res, err := h.provisioner.UpgradeToPaid(ctx, req.UserID, req.TokensPurchased, req.PaymentRef)
	if err != nil {
		// 503 on store unavailability makes the processor redeliver with the same reference.
		tier.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"duplicate":        res.Duplicate,
		"paidTokenBalance": res.Account.PaidTokenBalance,
	})
}
