package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func segment(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func hs256(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	input := segment(t, map[string]string{"alg": "HS256", "typ": "JWT"}) + "." + segment(t, claims)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(input))
	return input + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestNewVerifierModes(t *testing.T) {
	v, err := NewVerifier(Options{})
	require.NoError(t, err)
	assert.False(t, v.Enabled())

	_, err = NewVerifier(Options{Mode: "hmac"})
	assert.Error(t, err)
	_, err = NewVerifier(Options{Mode: "jwks"})
	assert.Error(t, err)
	_, err = NewVerifier(Options{Mode: "basic"})
	assert.Error(t, err)

	var nilVerifier *Verifier
	assert.False(t, nilVerifier.Enabled())
}

func TestVerifyHMAC(t *testing.T) {
	v, err := NewVerifier(Options{Mode: "HMAC", HMACSecret: "s3cret"})
	require.NoError(t, err)
	require.True(t, v.Enabled())
	ctx := context.Background()

	p, err := v.Verify(ctx, hs256(t, "s3cret", map[string]any{"sub": "planner-1", "role": "Admin"}))
	require.NoError(t, err)
	assert.Equal(t, Principal{Subject: "planner-1", Role: "admin"}, p)

	p, err = v.Verify(ctx, hs256(t, "s3cret", map[string]any{"sub": "planner-2"}))
	require.NoError(t, err)
	assert.Equal(t, "user", p.Role)

	_, err = v.Verify(ctx, hs256(t, "other", map[string]any{"sub": "x"}))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify(ctx, hs256(t, "s3cret", map[string]any{"role": "admin"}))
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := hs256(t, "s3cret", map[string]any{"sub": "x", "exp": time.Now().Add(-time.Minute).Unix()})
	_, err = v.Verify(ctx, expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestFromRequest(t *testing.T) {
	v, err := NewVerifier(Options{Mode: ModeHMAC, HMACSecret: "k"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	_, err = v.FromRequest(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "bearer "+hs256(t, "k", map[string]any{"sub": "a"}))
	p, err := v.FromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "a", p.Subject)
}

func TestVerifyJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var fetches atomic.Int32
	jwksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "k1",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer jwksSrv.Close()

	v, err := NewVerifier(Options{Mode: ModeJWKS, JWKSURL: jwksSrv.URL})
	require.NoError(t, err)

	sign := func(kid string) string {
		input := segment(t, map[string]string{"alg": "RS256", "kid": kid}) + "." + segment(t, map[string]any{"sub": "svc"})
		h := sha256.Sum256([]byte(input))
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, h[:])
		require.NoError(t, err)
		return input + "." + base64.RawURLEncoding.EncodeToString(sig)
	}

	p, err := v.Verify(context.Background(), sign("k1"))
	require.NoError(t, err)
	assert.Equal(t, "svc", p.Subject)
	_, err = v.Verify(context.Background(), sign("k1"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetches.Load())

	_, err = v.Verify(context.Background(), sign("k2"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify(context.Background(), hs256(t, "x", map[string]any{"sub": "svc"}))
	assert.ErrorIs(t, err, ErrInvalidToken)
}
