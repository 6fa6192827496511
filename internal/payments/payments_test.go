package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/tiergate/internal/catalog"
	"github.com/mbd888/tiergate/internal/ledger"
	"github.com/mbd888/tiergate/internal/logging"
	"github.com/mbd888/tiergate/internal/tier"
)

const testSecret = "whsec_test_secret"

func setupRouter(t *testing.T, secret string) (*gin.Engine, *ledger.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := ledger.NewMemoryStore()
	svc := tier.NewService(store, catalog.Default(), tier.DefaultOptions(), logging.Discard())
	h := NewHandler(svc, secret, logging.Discard())

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin"))
	return r, store
}

func checkoutEvent(t *testing.T, typ, sessionID, paymentStatus string, metadata map[string]string) []byte {
	t.Helper()
	payload := map[string]any{
		"id":          "evt_" + sessionID,
		"object":      "event",
		"type":        typ,
		"api_version": stripe.APIVersion,
		"data": map[string]any{
			"object": map[string]any{
				"id":             sessionID,
				"object":         "checkout.session",
				"payment_status": paymentStatus,
				"metadata":       metadata,
			},
		},
	}
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return b
}

func postSigned(t *testing.T, r http.Handler, body []byte, secret string) *httptest.ResponseRecorder {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/stripe/webhook", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", signed.Header)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestStripeWebhook_CompletedCheckoutProvisions(t *testing.T) {
	r, store := setupRouter(t, testSecret)
	body := checkoutEvent(t, "checkout.session.completed", "cs_test_1", "paid",
		map[string]string{MetadataUserID: "u1", MetadataTokens: "1000"})

	w := postSigned(t, r, body, testSecret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	a, err := store.GetAccount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TierPaid, a.Tier)
	assert.Equal(t, int64(1000), a.PaidTokenBalance)

	// Stripe redelivers; the session id dedupes.
	w = postSigned(t, r, body, testSecret)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["duplicate"])

	a, err = store.GetAccount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), a.PaidTokenBalance)
}

func TestStripeWebhook_BadSignature(t *testing.T) {
	r, store := setupRouter(t, testSecret)
	body := checkoutEvent(t, "checkout.session.completed", "cs_test_2", "paid",
		map[string]string{MetadataUserID: "u1", MetadataTokens: "1000"})

	w := postSigned(t, r, body, "whsec_wrong")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, err := store.GetAccount(context.Background(), "u1")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestStripeWebhook_UnpaidSessionIgnored(t *testing.T) {
	r, store := setupRouter(t, testSecret)
	body := checkoutEvent(t, "checkout.session.completed", "cs_test_3", "unpaid",
		map[string]string{MetadataUserID: "u1", MetadataTokens: "1000"})

	w := postSigned(t, r, body, testSecret)
	require.Equal(t, http.StatusOK, w.Code)
	_, err := store.GetAccount(context.Background(), "u1")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestStripeWebhook_AsyncPaymentSucceeded(t *testing.T) {
	r, store := setupRouter(t, testSecret)
	body := checkoutEvent(t, "checkout.session.async_payment_succeeded", "cs_test_4", "paid",
		map[string]string{MetadataUserID: "u1", MetadataTokens: "250"})

	w := postSigned(t, r, body, testSecret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	a, err := store.GetAccount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), a.PaidTokenBalance)
}

func TestStripeWebhook_OtherEventsIgnored(t *testing.T) {
	r, _ := setupRouter(t, testSecret)
	body := checkoutEvent(t, "customer.created", "cus_1", "", nil)

	w := postSigned(t, r, body, testSecret)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStripeWebhook_MissingMetadata(t *testing.T) {
	r, _ := setupRouter(t, testSecret)
	body := checkoutEvent(t, "checkout.session.completed", "cs_test_5", "paid",
		map[string]string{MetadataUserID: "u1"})

	w := postSigned(t, r, body, testSecret)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStripeWebhook_NotConfigured(t *testing.T) {
	r, _ := setupRouter(t, "")
	w := postSigned(t, r, []byte(`{}`), testSecret)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestProvisionFromSession(t *testing.T) {
	cases := []struct {
		name    string
		sess    stripe.CheckoutSession
		want    ProvisionRequest
		wantErr error
	}{
		{
			name: "metadata",
			sess: stripe.CheckoutSession{ID: "cs_1", Metadata: map[string]string{MetadataUserID: "u1", MetadataTokens: "500"}},
			want: ProvisionRequest{UserID: "u1", TokensPurchased: 500, PaymentRef: "cs_1"},
		},
		{
			name: "client reference fallback",
			sess: stripe.CheckoutSession{ID: "cs_2", ClientReferenceID: "u2", Metadata: map[string]string{MetadataTokens: "10"}},
			want: ProvisionRequest{UserID: "u2", TokensPurchased: 10, PaymentRef: "cs_2"},
		},
		{
			name:    "no user",
			sess:    stripe.CheckoutSession{ID: "cs_3", Metadata: map[string]string{MetadataTokens: "10"}},
			wantErr: ErrMissingUserID,
		},
		{
			name:    "zero tokens",
			sess:    stripe.CheckoutSession{ID: "cs_4", Metadata: map[string]string{MetadataUserID: "u1", MetadataTokens: "0"}},
			wantErr: ErrMissingTokens,
		},
		{
			name:    "garbage tokens",
			sess:    stripe.CheckoutSession{ID: "cs_5", Metadata: map[string]string{MetadataUserID: "u1", MetadataTokens: "lots"}},
			wantErr: ErrMissingTokens,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ProvisionFromSession(&tc.sess)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func postJSON(t *testing.T, r http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestProvision(t *testing.T) {
	r, store := setupRouter(t, testSecret)

	w := postJSON(t, r, "/v1/admin/payments/provision", ProvisionRequest{UserID: "u1", TokensPurchased: 400, PaymentRef: "ref_1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = postJSON(t, r, "/v1/admin/payments/provision", ProvisionRequest{UserID: "u1", TokensPurchased: 400, PaymentRef: "ref_1"})
	require.Equal(t, http.StatusOK, w.Code)

	w = postJSON(t, r, "/v1/admin/payments/provision", ProvisionRequest{UserID: "u1", TokensPurchased: 999, PaymentRef: "ref_1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "payment_conflict", errorCode(t, w))

	w = postJSON(t, r, "/v1/admin/payments/provision", map[string]any{"userId": "u1", "paymentRef": "ref_2"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(t, r, "/v1/admin/payments/provision", ProvisionRequest{UserID: "u1", TokensPurchased: -5, PaymentRef: "ref_3"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	a, err := store.GetAccount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), a.PaidTokenBalance)
}

type unavailableProvisioner struct{}

func (unavailableProvisioner) UpgradeToPaid(context.Context, string, int64, string) (*ledger.PurchaseResult, error) {
	return nil, fmt.Errorf("apply purchase: %w", ledger.ErrStoreUnavailable)
}

func TestProvision_StoreUnavailableAsksForRetry(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(unavailableProvisioner{}, testSecret, logging.Discard()).RegisterAdminRoutes(r.Group("/v1/admin"))

	w := postJSON(t, r, "/v1/admin/payments/provision", ProvisionRequest{UserID: "u1", TokensPurchased: 1, PaymentRef: "ref"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "store_unavailable", errorCode(t, w))
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Error
}
