package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/orders"
	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/recon"
	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/wallet"
)

const testToken = "operator-token"

type fakeCheckout struct {
	created []orders.CreateRequest
	err     error
}

func (f *fakeCheckout) Create(_ context.Context, req orders.CreateRequest) (*orders.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, req)
	return &orders.Order{
		ID:             req.OrderID,
		FiatTotal:      req.FiatTotal,
		FiatCurrency:   "USD",
		ExpectedAmount: decimal.NewNullDecimal(decimal.RequireFromString("12.00007")),
		PayTo:          "xuniMarket",
		Status:         orders.StatusAwaitingPayment,
	}, nil
}

type fakeOrders struct {
	order     *orders.Order
	cancelErr error
	cancelled []uint64
}

func (f *fakeOrders) Get(_ context.Context, id uint64) (*orders.Order, error) {
	if f.order == nil || f.order.ID != id {
		return nil, orders.ErrOrderNotFound
	}
	return f.order, nil
}

func (f *fakeOrders) Cancel(_ context.Context, id uint64, _ string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeOrders) Events(context.Context, uint64) ([]orders.Event, error) {
	return []orders.Event{{Action: orders.ActionCreated, CreatedAt: time.Unix(0, 0).UTC()}}, nil
}

type fakeReconciler struct {
	runErr     error
	resolveErr error
	runs       int
	last       *recon.Result
}

func (f *fakeReconciler) RunCycle(context.Context) (*recon.Result, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	f.runs++
	f.last = &recon.Result{Outcome: recon.OutcomeOK, Matched: []uint64{7}}
	return f.last, nil
}

func (f *fakeReconciler) LastResult() *recon.Result { return f.last }

func (f *fakeReconciler) Resolve(_ context.Context, id uint64) (*recon.Resolution, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return &recon.Resolution{OrderID: id, Amount: decimal.RequireFromString("6.00001")}, nil
}

type fakeWallet struct {
	balance     decimal.NullDecimal
	transferErr error
}

func (f *fakeWallet) Address() string { return "xuniMarket" }

func (f *fakeWallet) Balance(context.Context) (decimal.NullDecimal, error) {
	return f.balance, nil
}

func (f *fakeWallet) Transfer(context.Context, string, string) (string, error) {
	if f.transferErr != nil {
		return "", f.transferErr
	}
	return "hash-1", nil
}

type fixture struct {
	checkout   *fakeCheckout
	orders     *fakeOrders
	reconciler *fakeReconciler
	wallet     *fakeWallet
	handler    http.Handler
}

func newFixture(t *testing.T, auth AuthConfig, limit RateLimit, mutate ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		checkout:   &fakeCheckout{},
		orders:     &fakeOrders{},
		reconciler: &fakeReconciler{},
		wallet:     &fakeWallet{},
	}
	authenticator, err := NewAuthenticator(auth)
	require.NoError(t, err)
	cfg := Config{
		Checkout:   f.checkout,
		Orders:     f.orders,
		Reconciler: f.reconciler,
		Wallet:     f.wallet,
		Auth:       authenticator,
		RateLimit:  limit,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestHealthzIsPublic(t *testing.T) {
	f := newFixture(t, AuthConfig{BearerToken: testToken}, RateLimit{})
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRequiresAuthentication(t *testing.T) {
	f := newFixture(t, AuthConfig{BearerToken: testToken}, RateLimit{})

	rec := f.do(t, http.MethodGet, "/v1/recon/status", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "missing bearer token", decodeError(t, rec))

	rec = f.do(t, http.MethodGet, "/v1/recon/status", "wrong", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/recon/status", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestJWTAuthentication(t *testing.T) {
	secret := "jwt-secret"
	f := newFixture(t, AuthConfig{JWTSecret: secret, JWTIssuer: "shop"}, RateLimit{})

	sign := func(claims jwt.RegisteredClaims, method jwt.SigningMethod) string {
		token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return token
	}
	valid := sign(jwt.RegisteredClaims{
		Issuer:    "shop",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, jwt.SigningMethodHS256)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/recon/status", valid, nil).Code)

	expired := sign(jwt.RegisteredClaims{
		Issuer:    "shop",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}, jwt.SigningMethodHS256)
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/recon/status", expired, nil).Code)

	wrongIssuer := sign(jwt.RegisteredClaims{
		Issuer:    "elsewhere",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, jwt.SigningMethodHS256)
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/recon/status", wrongIssuer, nil).Code)

	wrongAlg := sign(jwt.RegisteredClaims{
		Issuer:    "shop",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, jwt.SigningMethodHS512)
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/recon/status", wrongAlg, nil).Code)
}

func TestNewAuthenticatorRequiresMechanism(t *testing.T) {
	_, err := NewAuthenticator(AuthConfig{})
	require.Error(t, err)
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t, AuthConfig{BearerToken: testToken}, RateLimit{})

	rec := f.do(t, http.MethodPost, "/v1/orders", testToken, map[string]interface{}{
		"order_id":   7,
		"fiat_total": "24.00",
		"currency":   "usd",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "12.00007", body["expected_amount"])
	require.Equal(t, "xuniMarket", body["pay_to"])
	require.Len(t, f.checkout.created, 1)
	require.True(t, f.checkout.created[0].FiatTotal.Equal(decimal.NewFromInt(24)))

	rec = f.do(t, http.MethodPost, "/v1/orders", testToken, map[string]interface{}{"order_id": 7, "unknown": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	f.checkout.err = orders.ErrOrderExists
	rec = f.do(t, http.MethodPost, "/v1/orders", testToken, map[string]interface{}{"order_id": 7, "fiat_total": "1"})
	require.Equal(t, http.StatusConflict, rec.Code)

	f.checkout.err = orders.ErrInvalidOrder
	rec = f.do(t, http.MethodPost, "/v1/orders", testToken, map[string]interface{}{"order_id": 0, "fiat_total": "1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetOrder(t *testing.T) {
	f := newFixture(t, AuthConfig{BearerToken: testToken}, RateLimit{})
	f.orders.order = &orders.Order{ID: 9, Status: orders.StatusAwaitingPayment}

	rec := f.do(t, http.MethodGet, "/v1/orders/9", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		ID     uint64 `json:"id"`
		Status string `json:"status"`
		Events []struct {
			Action string `json:"action"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.EqualValues(t, 9, body.ID)
	require.Equal(t, "awaiting-payment", body.Status)
	require.Len(t, body.Events, 1)
	require.Equal(t, orders.ActionCreated, body.Events[0].Action)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/orders/10", testToken, nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/orders/abc", testToken, nil).Code)
}

func TestCancelAndResolve(t *testing.T) {
	f := newFixture(t, AuthConfig{BearerToken: testToken}, RateLimit{})

	rec := f.do(t, http.MethodPost, "/v1/orders/3/cancel", testToken, map[string]string{"reason": "customer request"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []uint64{3}, f.orders.cancelled)

	f.orders.cancelErr = orders.ErrInvalidTransition
	rec = f.do(t, http.MethodPost, "/v1/orders/3/cancel", testToken, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/orders/5/resolve", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resolution recon.Resolution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolution))
	require.EqualValues(t, 5, resolution.OrderID)

	f.reconciler.resolveErr = recon.ErrNotResolvable
	rec = f.do(t, http.MethodPost, "/v1/orders/5/resolve", testToken, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRunCycle(t *testing.T) {
	f := newFixture(t, AuthConfig{BearerToken: testToken}, RateLimit{RequestsPerMinute: 600, Burst: 10})

	rec := f.do(t, http.MethodPost, "/v1/recon/run", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, f.reconciler.runs)

	rec = f.do(t, http.MethodGet, "/v1/recon/status", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		LastCycle *recon.Result `json:"last_cycle"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.NotNil(t, status.LastCycle)
	require.Equal(t, []uint64{7}, status.LastCycle.Matched)

	f.reconciler.runErr = recon.ErrCycleInProgress
	rec = f.do(t, http.MethodPost, "/v1/recon/run", testToken, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRunCycleRateLimited(t *testing.T) {
	f := newFixture(t, AuthConfig{BearerToken: testToken}, RateLimit{RequestsPerMinute: 1, Burst: 1})

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/recon/run", testToken, nil).Code)
	require.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodPost, "/v1/recon/run", testToken, nil).Code)
	require.Equal(t, 1, f.reconciler.runs)
}

func TestWalletBalance(t *testing.T) {
	f := newFixture(t, AuthConfig{BearerToken: testToken}, RateLimit{})

	rec := f.do(t, http.MethodGet, "/v1/wallet/balance", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"address":"xuniMarket","balance":null}`, rec.Body.String())

	f.wallet.balance = decimal.NewNullDecimal(decimal.RequireFromString("12.5"))
	rec = f.do(t, http.MethodGet, "/v1/wallet/balance", testToken, nil)
	require.JSONEq(t, `{"address":"xuniMarket","balance":"12.5"}`, rec.Body.String())
}

func TestWalletTransfer(t *testing.T) {
	f := newFixture(t, AuthConfig{BearerToken: testToken}, RateLimit{RequestsPerMinute: 600, Burst: 10})

	rec := f.do(t, http.MethodPost, "/v1/wallet/transfer", testToken, transferRequest{Destination: "xuniDest", Amount: "1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"tx_hash":"hash-1"}`, rec.Body.String())

	f.wallet.transferErr = wallet.ErrInvalidAmount
	rec = f.do(t, http.MethodPost, "/v1/wallet/transfer", testToken, transferRequest{Destination: "xuniDest", Amount: "-1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	f.wallet.transferErr = wallet.ErrTransferFailed
	rec = f.do(t, http.MethodPost, "/v1/wallet/transfer", testToken, transferRequest{Destination: "xuniDest", Amount: "1"})
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSpansNamedByRoutePattern(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t, AuthConfig{BearerToken: testToken}, RateLimit{}, func(c *Config) { c.TracerProvider = tp })
	f.orders.order = &orders.Order{ID: 9, Status: orders.StatusAwaitingPayment}

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/orders/9", testToken, nil).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/nowhere/123", "", nil).Code)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "GET /v1/orders/{id}", spans[0].Name())
	require.Equal(t, "GET unmatched", spans[1].Name())
	for _, span := range spans {
		for _, kv := range span.Attributes() {
			require.NotContains(t, kv.Value.Emit(), "123")
		}
	}
}
