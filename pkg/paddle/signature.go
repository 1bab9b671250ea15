package paddle

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader is the request header carrying the webhook signature.
const SignatureHeader = "Paddle-Signature"

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignHeader builds a structured "ts=..;h1=.." header for body at ts.
func SignHeader(body []byte, secret string, ts time.Time) string {
	stamp := strconv.FormatInt(ts.Unix(), 10)
	return "ts=" + stamp + ";h1=" + Sign(signedPayload(stamp, body), secret)
}

// Verify reports whether signatureHeader authenticates rawBody under secret.
//
// The header is either a bare hex digest of the body or Paddle's structured
// form "ts=<unix>;h1=<hex>[;h1=<hex>...]", where the digest covers "ts:body".
// It returns false for an empty header, an empty secret or any mismatch.
func Verify(rawBody []byte, signatureHeader, secret string) bool {
	return (&Verifier{Secret: secret}).Verify(rawBody, signatureHeader) == nil
}

// Verifier checks webhook signatures against a configured secret.
type Verifier struct {
	Secret string
	// MaxAge rejects structured signatures older than this; 0 disables the check.
	MaxAge time.Duration
	Now    func() time.Time
}

// NewVerifier creates a verifier for secret.
func NewVerifier(secret string, maxAge time.Duration) *Verifier {
	return &Verifier{Secret: secret, MaxAge: maxAge, Now: time.Now}
}

// Verify returns ErrInvalidSignature unless header authenticates body.
func (v *Verifier) Verify(body []byte, header string) error {
	header = strings.TrimSpace(header)
	if v == nil || v.Secret == "" || header == "" {
		return ErrInvalidSignature
	}

	if !strings.Contains(header, "=") {
		if digestMatches(header, Sign(body, v.Secret)) {
			return nil
		}
		return ErrInvalidSignature
	}

	ts, digests := parseSignatureHeader(header)
	if ts == "" || len(digests) == 0 {
		return ErrInvalidSignature
	}
	if v.MaxAge > 0 {
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return ErrInvalidSignature
		}
		now := time.Now
		if v.Now != nil {
			now = v.Now
		}
		if age := now().Sub(time.Unix(unix, 0)); age > v.MaxAge || age < -v.MaxAge {
			return ErrInvalidSignature
		}
	}

	expected := Sign(signedPayload(ts, body), v.Secret)
	for _, d := range digests {
		if digestMatches(d, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func signedPayload(ts string, body []byte) []byte {
	out := make([]byte, 0, len(ts)+1+len(body))
	out = append(out, ts...)
	out = append(out, ':')
	return append(out, body...)
}

func parseSignatureHeader(header string) (string, []string) {
	var ts string
	var digests []string
	for _, part := range strings.Split(header, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "ts":
			ts = value
		case "h1":
			if value != "" {
				digests = append(digests, value)
			}
		}
	}
	return ts, digests
}

// digestMatches compares two hex digests in constant time. Inputs of a
// different length or invalid hex never match.
func digestMatches(got, expected string) bool {
	gotRaw, err := hex.DecodeString(strings.ToLower(got))
	if err != nil {
		return false
	}
	expectedRaw, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	return hmac.Equal(gotRaw, expectedRaw)
}
