// Package webhook verifies that inbound triggers and executor completion
// callbacks genuinely originate from the claimed source.
//
// Requests carry an HMAC-SHA256 signature over "v0:{timestamp}:{body}"
// plus the unix timestamp it was computed at. Verification rejects
// anything outside a fixed replay window and reports every failure as
// the same error class so callers cannot distinguish which check failed.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// ErrInvalidSignature covers every verification failure: missing
// headers, an expired or future timestamp, and a signature mismatch.
var ErrInvalidSignature = errors.New("webhook: invalid signature")

const (
	// SignatureVersion prefixes the HMAC base string and the signature
	// header value.
	SignatureVersion = "v0"

	// ReplayWindow is the maximum allowed skew between the claimed
	// timestamp and the verifier's clock, in either direction.
	ReplayWindow = 5 * time.Minute
)

// Verifier checks request authenticity against a shared secret. The
// zero value is not usable; construct with NewVerifier.
type Verifier struct {
	now func() time.Time
}

// NewVerifier returns a Verifier using the wall clock.
func NewVerifier() *Verifier {
	return &Verifier{now: time.Now}
}

// NewVerifierAt returns a Verifier with an injected clock, for tests.
func NewVerifierAt(now func() time.Time) *Verifier {
	return &Verifier{now: now}
}

// Verify checks signature and timestamp against body and secret.
//
// The timestamp check runs before any HMAC is computed; missing or
// malformed inputs short-circuit the same way. All failures return
// ErrInvalidSignature.
func (v *Verifier) Verify(body []byte, signature, timestamp string, secret []byte) error {
	if signature == "" || timestamp == "" || len(secret) == 0 {
		return ErrInvalidSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew > ReplayWindow || skew < -ReplayWindow {
		return ErrInvalidSignature
	}
	expected := Sign(body, timestamp, secret)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the signature header value for a body and timestamp:
// "v0=" + hex(HMAC-SHA256(secret, "v0:{timestamp}:{body}")).
func Sign(body []byte, timestamp string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(SignatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	return SignatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}
