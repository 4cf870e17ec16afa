package compliance

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.SandboxURL = srv.URL + "/sandbox"
	cfg.ProductionURL = srv.URL + "/production"
	return NewClient(cfg, zaptest.NewLogger(t))
}

func TestSubmit_Accepted(t *testing.T) {
	var gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req restRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		doc, err := base64.StdEncoding.DecodeString(req.Document)
		require.NoError(t, err)
		assert.Equal(t, "<signed/>", string(doc))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"Accepted","code":"0","receiptId":"CSV-123","qr":"https://qr"}`)
	}, Config{APIKey: "secret"})

	res, err := client.Submit(context.Background(), []byte("<signed/>"), ModeProduction)
	require.NoError(t, err)
	assert.True(t, res.Accepted())
	assert.Equal(t, "CSV-123", res.ReceiptID)
	assert.Equal(t, "https://qr", res.QR)
	assert.Equal(t, "/production", gotPath)
}

func TestResult_ZeroValueIsNotAccepted(t *testing.T) {
	var res Result
	assert.Equal(t, KindUnknown, res.Kind)
	assert.Equal(t, "unknown", res.Kind.String())
	assert.False(t, res.Accepted())

	res = Result{Kind: KindOK, Err: errors.New("connection reset")}
	assert.False(t, res.Accepted())
	assert.True(t, Result{Kind: KindOK}.Accepted())
}

func TestSubmit_Classification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind Kind
		wantErr  error
	}{
		{"server error", http.StatusBadGateway, "", KindTransient, ErrTransient},
		{"rate limited", http.StatusTooManyRequests, "", KindTransient, ErrTransient},
		{"authority error", http.StatusOK, `{"status":"error","code":"9999","message":"backend down"}`, KindTransient, ErrTransient},
		{"garbled body", http.StatusOK, `not json`, KindTransient, ErrTransient},
		{"rejected", http.StatusOK, `{"status":"rejected","code":"1105","message":"duplicate invoice"}`, KindPermanent, ErrRejected},
		{"rejected with 4xx", http.StatusUnprocessableEntity, `{"status":"rejected","code":"1100","message":"bad tax id"}`, KindPermanent, ErrRejected},
		{"malformed request", http.StatusBadRequest, `{"message":"cannot parse document"}`, KindData, ErrBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}, Config{BreakerFailures: 100})

			res, err := client.Submit(context.Background(), []byte("<signed/>"), ModeSandbox)
			assert.Equal(t, tt.wantKind, res.Kind)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, res.Err, err)
		})
	}
}

func TestSubmit_RejectionCarriesAuthorityMessage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"status":"rejected","code":"1105","message":"duplicate invoice"}`)
	}, Config{})

	_, err := client.Submit(context.Background(), []byte("<signed/>"), ModeSandbox)
	var rejection *PermanentRejection
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, "1105", rejection.Code)
	assert.Equal(t, "duplicate invoice", rejection.Message)
}

func TestSubmit_Timeout(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, Config{Timeout: 50 * time.Millisecond})
	defer close(release)

	res, err := client.Submit(context.Background(), []byte("<signed/>"), ModeSandbox)
	assert.Equal(t, KindTransient, res.Kind)
	var transient *TransientSubmissionError
	require.True(t, errors.As(err, &transient))
	assert.True(t, transient.Timeout)
}

func TestSubmit_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, Config{BreakerFailures: 2, BreakerOpenTimeout: time.Minute})

	for i := 0; i < 4; i++ {
		res, err := client.Submit(context.Background(), []byte("<signed/>"), ModeSandbox)
		assert.Equal(t, KindTransient, res.Kind)
		assert.ErrorIs(t, err, ErrTransient)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSubmit_SOAP(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, soapAction, r.Header.Get("SOAPAction"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "<soapenv:Envelope")
		assert.Contains(t, string(body), base64.StdEncoding.EncodeToString([]byte("<signed/>")))
		_, _ = io.WriteString(w, `<?xml version="1.0"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
  <soapenv:Body>
    <SubmitInvoiceResponse>
      <Status>accepted</Status>
      <ReceiptID>CSV-SOAP</ReceiptID>
    </SubmitInvoiceResponse>
  </soapenv:Body>
</soapenv:Envelope>`)
	}, Config{Transport: TransportSOAP})

	res, err := client.Submit(context.Background(), []byte("<signed/>"), ModeSandbox)
	require.NoError(t, err)
	assert.Equal(t, "CSV-SOAP", res.ReceiptID)
}

func TestSubmit_SOAPFaultIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `<Envelope><Body><Fault><faultcode>Server</faultcode><faultstring>busy</faultstring></Fault></Body></Envelope>`)
	}, Config{Transport: TransportSOAP})

	res, err := client.Submit(context.Background(), []byte("<signed/>"), ModeSandbox)
	assert.Equal(t, KindTransient, res.Kind)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestSubmit_UnconfiguredEndpoint(t *testing.T) {
	client := NewClient(Config{SandboxURL: "http://localhost:1"}, nil)
	res, err := client.Submit(context.Background(), []byte("<signed/>"), ModeProduction)
	assert.Equal(t, KindData, res.Kind)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestQRPayload(t *testing.T) {
	got, err := QRPayload("https://verify.example.org/qr", "B12345678", "F-2024-001",
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), decimal.RequireFromString("242"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "https://verify.example.org/qr?"))
	for _, want := range []string{"issuer=B12345678", "number=F-2024-001", "date=01-03-2024", "total=242.00"} {
		assert.Contains(t, got, want)
	}
}

func TestParseWebhook(t *testing.T) {
	n, err := ParseWebhook([]byte(`{"issuerTaxId":"B1","invoiceNumber":"F-1","status":"ACCEPTED","receiptId":"CSV"}`))
	require.NoError(t, err)
	assert.True(t, n.Accepted())
	assert.Equal(t, "CSV", n.ReceiptID)

	_, err = ParseWebhook([]byte(`{"issuerTaxId":"B1","status":"pending"}`))
	assert.Error(t, err)

	_, err = ParseWebhook([]byte(`{`))
	assert.Error(t, err)
}
