package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

var secret = []byte("test-secret")

func TestSignVerify(t *testing.T) {
	body := []byte(`{"invoiceNumber":"F-2024-001"}`)
	sig := SignPayload(secret, body)

	if !VerifyPayload(secret, body, sig) {
		t.Fatal("signature should verify")
	}
	if !VerifyPayload(secret, body, "sha256="+sig) {
		t.Error("prefixed signature should verify")
	}
	if VerifyPayload(secret, []byte(`{"invoiceNumber":"F-2024-002"}`), sig) {
		t.Error("tampered body verified")
	}
	if VerifyPayload([]byte("other"), body, sig) {
		t.Error("wrong secret verified")
	}
	if VerifyPayload(nil, body, SignPayload(nil, body)) {
		t.Error("empty secret must never verify")
	}
	if VerifyPayload(secret, body, "not-hex") {
		t.Error("garbage signature verified")
	}
}

func TestToken(t *testing.T) {
	tok := IssueToken(secret, 42)
	uid, ok := ParseToken(secret, tok)
	if !ok || uid != 42 {
		t.Fatalf("ParseToken = %d, %v", uid, ok)
	}
	for _, bad := range []string{"", "42", "42.", "43." + tok[3:], IssueToken([]byte("x"), 42)} {
		if _, ok := ParseToken(secret, bad); ok {
			t.Errorf("token %q accepted", bad)
		}
	}
	if _, ok := ParseToken(secret, IssueToken(secret, 0)); ok {
		t.Error("zero user accepted")
	}
}

func TestMiddleware(t *testing.T) {
	var seen uint
	h := Middleware(secret, func(_ context.Context, uid uint) bool { return uid != 13 })(
		RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = UserIDFromContext(r.Context())
			w.WriteHeader(http.StatusNoContent)
		})))

	call := func(header string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := call("Bearer " + IssueToken(secret, 7)); code != http.StatusNoContent || seen != 7 {
		t.Errorf("valid token: code=%d uid=%d", code, seen)
	}
	if code := call(""); code != http.StatusUnauthorized {
		t.Errorf("anonymous: code=%d", code)
	}
	if code := call("Bearer " + IssueToken(secret, 13)); code != http.StatusUnauthorized {
		t.Errorf("unverified user: code=%d", code)
	}
	if code := call("Basic abc"); code != http.StatusUnauthorized {
		t.Errorf("wrong scheme: code=%d", code)
	}
}
