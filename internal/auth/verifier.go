// Package auth verifies bearer tokens presented to the job API.
package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	ModeOff  = "off"
	ModeHMAC = "hmac"
	ModeJWKS = "jwks"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Principal is the caller a verified token names.
type Principal struct {
	Subject string
	Role    string
}

// Options configures a Verifier. An empty Mode disables verification.
type Options struct {
	Mode       string
	HMACSecret string
	JWKSURL    string
	RoleClaim  string
}

// Verifier validates JWTs: HS256 against a shared secret or RS256 against keys
// fetched from a JWKS endpoint.
type Verifier struct {
	mode      string
	secret    []byte
	jwksURL   string
	roleClaim string
	http      *http.Client
	cacheTTL  time.Duration
	now       func() time.Time

	mu        sync.RWMutex
	keys      jwks
	lastFetch time.Time
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func NewVerifier(o Options) (*Verifier, error) {
	mode := strings.ToLower(strings.TrimSpace(o.Mode))
	if mode == "" {
		mode = ModeOff
	}
	switch mode {
	case ModeOff:
	case ModeHMAC:
		if o.HMACSecret == "" {
			return nil, errors.New("auth: hmac mode needs a secret")
		}
	case ModeJWKS:
		if o.JWKSURL == "" {
			return nil, errors.New("auth: jwks mode needs a JWKS URL")
		}
	default:
		return nil, fmt.Errorf("auth: unknown mode %q", o.Mode)
	}
	role := o.RoleClaim
	if role == "" {
		role = "role"
	}
	return &Verifier{
		mode:      mode,
		secret:    []byte(o.HMACSecret),
		jwksURL:   o.JWKSURL,
		roleClaim: role,
		http:      &http.Client{Timeout: 5 * time.Second},
		cacheTTL:  10 * time.Minute,
		now:       time.Now,
	}, nil
}

// Enabled reports whether requests must carry a token.
func (v *Verifier) Enabled() bool { return v != nil && v.mode != ModeOff }

// FromRequest extracts and verifies the Authorization bearer token.
func (v *Verifier) FromRequest(r *http.Request) (Principal, error) {
	authz := r.Header.Get("Authorization")
	if len(authz) < 7 || !strings.EqualFold(authz[:7], "bearer ") {
		return Principal{}, ErrMissingToken
	}
	return v.Verify(r.Context(), strings.TrimSpace(authz[7:]))
}

func (v *Verifier) Verify(ctx context.Context, token string) (Principal, error) {
	segs := strings.Split(token, ".")
	if len(segs) != 3 {
		return Principal{}, fmt.Errorf("%w: malformed JWT", ErrInvalidToken)
	}
	var hdr struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := decodeSegment(segs[0], &hdr); err != nil {
		return Principal{}, err
	}
	var claims map[string]any
	if err := decodeSegment(segs[1], &claims); err != nil {
		return Principal{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(segs[2])
	if err != nil {
		return Principal{}, fmt.Errorf("%w: signature encoding", ErrInvalidToken)
	}
	signingInput := []byte(segs[0] + "." + segs[1])

	switch v.mode {
	case ModeHMAC:
		if hdr.Alg != "HS256" {
			return Principal{}, fmt.Errorf("%w: alg %s not accepted", ErrInvalidToken, hdr.Alg)
		}
		mac := hmac.New(sha256.New, v.secret)
		mac.Write(signingInput)
		if !hmac.Equal(mac.Sum(nil), sig) {
			return Principal{}, fmt.Errorf("%w: bad signature", ErrInvalidToken)
		}
	case ModeJWKS:
		if hdr.Alg != "RS256" {
			return Principal{}, fmt.Errorf("%w: alg %s not accepted", ErrInvalidToken, hdr.Alg)
		}
		pub, err := v.publicKey(ctx, hdr.Kid)
		if err != nil {
			return Principal{}, err
		}
		h := sha256.Sum256(signingInput)
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], sig); err != nil {
			return Principal{}, fmt.Errorf("%w: bad signature", ErrInvalidToken)
		}
	default:
		return Principal{}, errors.New("auth: verification disabled")
	}

	if exp, ok := claims["exp"].(float64); ok && v.now().Unix() >= int64(exp) {
		return Principal{}, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Principal{}, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	role, _ := claims[v.roleClaim].(string)
	if role == "" {
		role = "user"
	}
	return Principal{Subject: sub, Role: strings.ToLower(role)}, nil
}

func decodeSegment(seg string, dst any) error {
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return fmt.Errorf("%w: segment encoding", ErrInvalidToken)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: segment json", ErrInvalidToken)
	}
	return nil
}

func (v *Verifier) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	cached := v.keys
	stale := v.now().Sub(v.lastFetch) > v.cacheTTL
	v.mu.RUnlock()
	if len(cached.Keys) == 0 || stale {
		fetched, err := v.fetchJWKS(ctx)
		if err != nil {
			return nil, err
		}
		cached = fetched
	}
	for _, k := range cached.Keys {
		if k.Kid != kid || !strings.EqualFold(k.Kty, "RSA") {
			continue
		}
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, fmt.Errorf("jwks key %s: %w", kid, err)
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, fmt.Errorf("jwks key %s: %w", kid, err)
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}, nil
	}
	return nil, fmt.Errorf("%w: kid %q not in JWKS", ErrInvalidToken, kid)
}

func (v *Verifier) fetchJWKS(ctx context.Context) (jwks, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return jwks{}, err
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return jwks{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return jwks{}, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jwks{}, fmt.Errorf("decode jwks: %w", err)
	}
	v.mu.Lock()
	v.keys = set
	v.lastFetch = v.now()
	v.mu.Unlock()
	return set, nil
}
