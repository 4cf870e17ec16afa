// Package auth authenticates API callers with signed bearer tokens and
// authority callbacks with an HMAC signature over the request body.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/diewo77/invoicechain/httpx"
)

type ctxKey string

const userIDCtxKey = ctxKey("userID")

// SignatureHeader carries the body signature on authority callbacks.
const SignatureHeader = "X-Signature"

// UserVerifier confirms that a token's user still exists. It may be nil.
type UserVerifier func(ctx context.Context, uid uint) bool

// SignPayload returns the hex HMAC-SHA256 of payload.
func SignPayload(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayload checks a hex signature produced by SignPayload. A "sha256=" prefix is
// accepted. An empty secret never verifies.
func VerifyPayload(secret, payload []byte, signature string) bool {
	if len(secret) == 0 {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// IssueToken returns "<uid>.<sig>" for use as a bearer token.
func IssueToken(secret []byte, userID uint) string {
	uid := strconv.FormatUint(uint64(userID), 10)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(uid))
	return uid + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// ParseToken validates a token from IssueToken and returns its user id.
func ParseToken(secret []byte, token string) (uint, bool) {
	uidStr, sig, ok := strings.Cut(token, ".")
	if !ok || len(secret) == 0 {
		return 0, false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(uidStr))
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return 0, false
	}
	id, err := strconv.ParseUint(uidStr, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func WithUserID(ctx context.Context, userID uint) context.Context {
	return context.WithValue(ctx, userIDCtxKey, userID)
}

func UserIDFromContext(ctx context.Context) (uint, bool) {
	id, ok := ctx.Value(userIDCtxKey).(uint)
	return id, ok && id != 0
}

// Middleware attaches the bearer token's user id to the request context.
// Requests without a valid token pass through anonymous.
func Middleware(secret []byte, verify UserVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if ok {
				if uid, valid := ParseToken(secret, strings.TrimSpace(token)); valid {
					if verify == nil || verify(r.Context(), uid) {
						r = r.WithContext(WithUserID(r.Context(), uid))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAuth rejects anonymous requests with 401.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserIDFromContext(r.Context()); !ok {
			httpx.JSONError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
