// Package signing implements the HMAC scheme used to authenticate inbound
// webhook deliveries. The header has the form "t=<unix>,v1=<hex>" where the
// signature covers "<unix>.<raw body>".
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance bounds the age of an accepted signature timestamp.
const DefaultTolerance = 5 * time.Minute

var (
	// ErrInvalidSignature is returned when no v1 signature matches.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedHeader is returned when the header cannot be parsed.
	ErrMalformedHeader = errors.New("malformed signature header")
	// ErrExpired is returned when the timestamp is outside the tolerance.
	ErrExpired = errors.New("signature timestamp outside tolerance")
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret    []byte
	tolerance time.Duration
}

// NewSigner creates a Signer. A non-positive tolerance selects
// DefaultTolerance.
func NewSigner(secret []byte, tolerance time.Duration) *Signer {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Signer{secret: secret, tolerance: tolerance}
}

// Sign returns the hex signature for a body sent at ts.
func (s *Signer) Sign(body []byte, ts int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header builds a complete signature header. Useful for tests and the CLI.
func (s *Signer) Header(body []byte, at time.Time) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, s.Sign(body, ts))
}

// Verify checks header against body at instant now. Several v1 entries may be
// present during secret rotation; any match is accepted.
func (s *Signer) Verify(body []byte, header string, now time.Time) error {
	ts, sigs, err := parseHeader(header)
	if err != nil {
		return err
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > s.tolerance || age < -s.tolerance {
		return ErrExpired
	}
	expected := []byte(s.Sign(body, ts))
	for _, sig := range sigs {
		// hmac.Equal is constant time.
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func parseHeader(header string) (int64, []string, error) {
	var (
		ts    int64
		haveT bool
		sigs  []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrMalformedHeader)
			}
			ts, haveT = n, true
		case "v1":
			sigs = append(sigs, value)
		}
	}
	if !haveT || len(sigs) == 0 {
		return 0, nil, ErrMalformedHeader
	}
	return ts, sigs, nil
}
