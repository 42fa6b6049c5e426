// Package signing implements HMAC signed, expiring links to stored files.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Query parameter names carried by a signed link.
const (
	ParamExpires   = "expires"
	ParamSignature = "signature"
)

var (
	ErrExpired      = errors.New("signing: link expired")
	ErrBadSignature = errors.New("signing: signature mismatch")
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the hex signature for a resource expiring at expiresUnix.
// The resource is usually a path relative to the upload root.
func (s *Signer) Sign(resource string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	payload := fmt.Sprintf("%s:%d", resource, expiresUnix)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate compares the provided signature with the expected one. It does
// not look at the clock.
func (s *Signer) Validate(resource, expires, signature string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	expected := s.Sign(resource, exp)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Query returns the expires/signature parameters for a link valid for ttl.
func (s *Signer) Query(resource string, now time.Time, ttl time.Duration) (url.Values, time.Time) {
	expires := now.Add(ttl).UTC()
	q := url.Values{}
	q.Set(ParamExpires, strconv.FormatInt(expires.Unix(), 10))
	q.Set(ParamSignature, s.Sign(resource, expires.Unix()))
	return q, expires
}

// Verify checks a link's parameters against resource at time now.
func (s *Signer) Verify(resource string, q url.Values, now time.Time) error {
	expires := q.Get(ParamExpires)
	if !s.Validate(resource, expires, q.Get(ParamSignature)) {
		return ErrBadSignature
	}
	exp, _ := strconv.ParseInt(expires, 10, 64)
	if now.Unix() > exp {
		return ErrExpired
	}
	return nil
}
