package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"lendbook/crypto"
)

func testCaller(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = suffix
	return crypto.NewAddress(crypto.LendPrefix, raw)
}

func captureCaller(out *crypto.Address) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		if ok {
			*out = caller
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticatorStoresSubjectAsCaller(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: "secret", Issuer: "lendbook", Audience: "ledger"}, nil)
	var got crypto.Address
	handler := auth.Middleware()(captureCaller(&got))

	token, err := SignToken("secret", testCaller(7).String(), "lendbook", "ledger", time.Minute, time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/actions/deposit", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, serve(handler, req))
	require.True(t, got.Equal(testCaller(7)))
}

func TestAuthenticatorRejectsBadTokens(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: "secret", Audience: "ledger"}, nil)
	handler := auth.Middleware()(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/actions/deposit", nil)
	require.Equal(t, http.StatusUnauthorized, serve(handler, req))

	wrongKey, err := SignToken("other", testCaller(1).String(), "", "ledger", time.Minute, time.Now())
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+wrongKey)
	require.Equal(t, http.StatusUnauthorized, serve(handler, req))

	wrongAud, err := SignToken("secret", testCaller(1).String(), "", "other", time.Minute, time.Now())
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+wrongAud)
	require.Equal(t, http.StatusUnauthorized, serve(handler, req))

	expired, err := SignToken("secret", testCaller(1).String(), "", "ledger", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+expired)
	require.Equal(t, http.StatusUnauthorized, serve(handler, req))

	badSubject, err := SignToken("secret", "not-an-address", "", "ledger", time.Minute, time.Now())
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+badSubject)
	require.Equal(t, http.StatusUnauthorized, serve(handler, req))
}

func TestAuthenticatorRequiresScopes(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: "secret"}, nil)
	handler := auth.Middleware("oracle:write")(okHandler())

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   testCaller(1).String(),
		"scope": "ledger:write",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/v1/oracle/prices/uatom", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	require.Equal(t, http.StatusForbidden, serve(handler, req))
}

func TestAuthenticatorDisabledUsesCallerHeader(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	var got crypto.Address
	handler := auth.Middleware()(captureCaller(&got))

	req := httptest.NewRequest(http.MethodPost, "/v1/actions/deposit", nil)
	req.Header.Set(CallerHeader, testCaller(3).String())
	require.Equal(t, http.StatusOK, serve(handler, req))
	require.True(t, got.Equal(testCaller(3)))

	req.Header.Set(CallerHeader, "garbage")
	require.Equal(t, http.StatusBadRequest, serve(handler, req))
}
