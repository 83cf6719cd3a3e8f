package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestWebhookSignsPayload(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook, err := NewWebhook(srv.URL, "s3cret", time.Second)
	require.NoError(t, err)
	hook.newID = func() string { return "delivery-1" }

	paidAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	err = hook.Notify(context.Background(), Payment{OrderID: 42, Amount: decimal.RequireFromString("200.00042"), MessageAddress: "xuniCustomer", PaidAt: paidAt})
	require.NoError(t, err)

	req := <-received
	body := <-bodies
	require.Equal(t, "delivery-1", req.Header.Get(HeaderDelivery))
	require.True(t, Verify([]byte("s3cret"), body, req.Header.Get(HeaderSignature)))
	require.False(t, Verify([]byte("other"), body, req.Header.Get(HeaderSignature)))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Equal(t, EventOrderPaid, decoded["event"])
	require.EqualValues(t, 42, decoded["order_id"])
	require.Equal(t, "200.00042", decoded["amount"])
	require.Equal(t, "xuniCustomer", decoded["message_address"])
}

func TestWebhookRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	hook, err := NewWebhook(srv.URL, "", time.Second)
	require.NoError(t, err)
	require.Error(t, hook.Notify(context.Background(), Payment{OrderID: 1, Amount: decimal.NewFromInt(1)}))
}

func TestNewWebhookRequiresURL(t *testing.T) {
	_, err := NewWebhook(" ", "x", 0)
	require.Error(t, err)
}

func TestWebhookPropagatesTraceContext(t *testing.T) {
	prevProvider, prevPropagator := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceparent := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent <- r.Header.Get("traceparent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook, err := NewWebhook(srv.URL, "s3cret", time.Second)
	require.NoError(t, err)

	ctx, span := tp.Tracer("notify-test").Start(context.Background(), "recon.cycle")
	defer span.End()
	require.NoError(t, hook.Notify(ctx, Payment{OrderID: 7, Amount: decimal.NewFromInt(3)}))

	header := <-traceparent
	require.Contains(t, header, span.SpanContext().TraceID().String())
}
