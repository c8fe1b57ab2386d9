package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"dbutils/internal/metrics"
)

var (
	ErrInvalidExpiry     = errors.New("invalid expiry")
	ErrExpired           = errors.New("link has expired")
	ErrSignatureRequired = errors.New("signature required")
	ErrInvalidSignature  = errors.New("invalid signature")
)

// Verifier checks signed, optionally expiring links to a named resource
type Verifier struct {
	secret         []byte
	enforceSigning bool
	metrics        *metrics.Metrics
	now            func() time.Time
}

// NewVerifier creates a new signature verifier
func NewVerifier(secret []byte, enforceSigning bool, m *metrics.Metrics) *Verifier {
	return &Verifier{
		secret:         secret,
		enforceSigning: enforceSigning,
		metrics:        m,
		now:            time.Now,
	}
}

// Sign returns the hex HMAC-SHA256 of resource and, when non-empty, expiry
func Sign(secret []byte, resource, expiry string) string {
	payload := resource
	if expiry != "" {
		payload += "|" + expiry
	}
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks the expiry and signature presented for resource. A
// signature is checked whenever one is given, and required when signing
// is enforced.
func (v *Verifier) Verify(resource, expiryStr, signature string) error {
	hasExpiry := expiryStr != ""

	if hasExpiry {
		expiry, err := strconv.ParseInt(expiryStr, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidExpiry, err)
		}
		if v.now().Unix() > expiry {
			v.metrics.ExpiredRequestsTotal.Inc()
			return ErrExpired
		}
	}

	if v.enforceSigning || signature != "" {
		if signature == "" {
			v.metrics.SignatureFailuresTotal.Inc()
			return ErrSignatureRequired
		}

		expected := Sign(v.secret, resource, expiryStr)
		if !hmac.Equal([]byte(signature), []byte(expected)) {
			v.metrics.SignatureFailuresTotal.Inc()
			return ErrInvalidSignature
		}
	}

	return nil
}
