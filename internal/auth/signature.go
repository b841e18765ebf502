package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Signature verification errors.
var (
	ErrMissingSignature = errors.New("sign and timestamp are required")
	ErrBadTimestamp     = errors.New("timestamp is not a unix millisecond value")
	ErrStaleTimestamp   = errors.New("timestamp outside the accepted window")
	ErrUnknownKey       = errors.New("no signing secret for apiKey")
	ErrSignatureInvalid = errors.New("signature mismatch")
	ErrReplayed         = errors.New("signature already used")
	ErrBodyDigest       = errors.New("body_sha256 does not match the request body")
)

// SignParam is excluded from the canonical string.
const SignParam = "sign"

// BodyDigestParam binds a raw request body to the signature. Its value is
// the lowercase hex SHA-256 of the body.
const BodyDigestParam = "body_sha256"

// BodyDigest returns the BodyDigestParam value for body.
func BodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// CanonicalString renders params as k1=v1&k2=v2 with keys sorted ascending.
// The sign parameter and empty values are skipped; only the first value of a
// key is used.
func CanonicalString(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k, vs := range params {
		if k == SignParam || len(vs) == 0 || vs[0] == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params.Get(k))
	}
	return b.String()
}

// Sign computes the lowercase hex HMAC-SHA256 of the canonical string.
func Sign(secret string, params url.Values) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(CanonicalString(params)))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureVerifier checks request signatures and timestamp freshness.
type SignatureVerifier struct {
	secret string
	keys   map[string]string
	window time.Duration
	replay *ReplayGuard
	now    func() time.Time
}

// SignatureOption configures a SignatureVerifier.
type SignatureOption func(*SignatureVerifier)

// WithReplayGuard rejects signatures already accepted within the window.
func WithReplayGuard(g *ReplayGuard) SignatureOption {
	return func(v *SignatureVerifier) { v.replay = g }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SignatureOption {
	return func(v *SignatureVerifier) { v.now = now }
}

// NewSignatureVerifier creates a verifier. Secrets are resolved per apiKey from
// keys, falling back to the shared secret.
func NewSignatureVerifier(secret string, keys map[string]string, window time.Duration, opts ...SignatureOption) *SignatureVerifier {
	v := &SignatureVerifier{
		secret: secret,
		keys:   keys,
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks sign over params. params must include timestamp and apiKey
// when the caller sent them.
func (v *SignatureVerifier) Verify(params url.Values) error {
	sign := strings.ToLower(params.Get(SignParam))
	ts := params.Get("timestamp")
	if sign == "" || ts == "" {
		return ErrMissingSignature
	}

	millis, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrBadTimestamp
	}
	skew := v.now().Sub(time.UnixMilli(millis))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.window {
		return ErrStaleTimestamp
	}

	secret, ok := v.secretFor(params.Get("apiKey"))
	if !ok {
		return ErrUnknownKey
	}

	expected := Sign(secret, params)
	if !hmac.Equal([]byte(expected), []byte(sign)) {
		return ErrSignatureInvalid
	}

	// A timestamp stays acceptable for up to two windows of wall time.
	if v.replay != nil && !v.replay.Accept(sign, 2*v.window) {
		return ErrReplayed
	}
	return nil
}

// VerifyRequest is Verify for a request carrying a raw body. A non-empty
// body must match the signed BodyDigestParam.
func (v *SignatureVerifier) VerifyRequest(params url.Values, body []byte) error {
	if len(body) > 0 && params.Get(SignParam) != "" {
		digest := strings.ToLower(params.Get(BodyDigestParam))
		if !hmac.Equal([]byte(digest), []byte(BodyDigest(body))) {
			return ErrBodyDigest
		}
	}
	return v.Verify(params)
}

func (v *SignatureVerifier) secretFor(apiKey string) (string, bool) {
	if apiKey != "" {
		if s, ok := v.keys[apiKey]; ok {
			return s, true
		}
	}
	if v.secret != "" {
		return v.secret, true
	}
	return "", false
}
