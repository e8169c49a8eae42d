// Package signature verifies inbound provider webhook signatures and signs
// outbound deliveries with the same scheme.
//
// Header format: t=<unix seconds>,v1=<hex hmac-sha256>, where the MAC covers
// "<t>.<raw body>". Several v1 entries may be present during secret rotation.
package signature

import (
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/sambitmohanty1/payment-webhooks/internal/errs"
)

// DefaultTolerance is the replay window applied when callers pass zero.
const DefaultTolerance = 300 * time.Second

const schemeV1 = "v1"

var (
	ErrInvalidSignature = errors.Mark(errors.New("invalid signature"), errs.ErrAuthentication)
	ErrMissingHeader    = errors.Wrap(ErrInvalidSignature, "missing signature header")
	ErrMalformedHeader  = errors.Wrap(ErrInvalidSignature, "malformed signature header")
	ErrNoMatch          = errors.Wrap(ErrInvalidSignature, "no matching signature")
	ErrTimestamp        = errors.Wrap(ErrInvalidSignature, "timestamp outside tolerance")
	ErrInvalidPayload   = errors.Wrap(ErrInvalidSignature, "payload is not a valid event")
)

type header struct {
	timestamp  time.Time
	signatures [][]byte
}

// VerifyInbound checks the signature header against the raw body and decodes the
// event envelope. Any failure wraps ErrInvalidSignature and must be treated as
// terminal by the caller.
func VerifyInbound(rawBody []byte, sigHeader, secret string, tolerance time.Duration) (*stripe.Event, error) {
	return VerifyInboundAt(rawBody, sigHeader, secret, tolerance, time.Now())
}

// VerifyInboundAt is VerifyInbound with an explicit clock.
func VerifyInboundAt(rawBody []byte, sigHeader, secret string, tolerance time.Duration, now time.Time) (*stripe.Event, error) {
	if err := verify(rawBody, sigHeader, secret, tolerance, now); err != nil {
		return nil, err
	}

	var event stripe.Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, errors.Wrap(ErrInvalidPayload, err.Error())
	}
	if event.ID == "" || event.Type == "" {
		return nil, ErrInvalidPayload
	}
	return &event, nil
}

// Verify checks sigHeader against payload without decoding it. Receivers of
// outbound webhooks use it to authenticate deliveries.
func Verify(payload []byte, sigHeader, secret string, tolerance time.Duration) error {
	return verify(payload, sigHeader, secret, tolerance, time.Now())
}

func verify(rawBody []byte, sigHeader, secret string, tolerance time.Duration, now time.Time) error {
	if sigHeader == "" {
		return ErrMissingHeader
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	h, err := parseHeader(sigHeader)
	if err != nil {
		return err
	}

	// Past and future skew both count as a replay.
	skew := now.Sub(h.timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return ErrTimestamp
	}

	expected := webhook.ComputeSignature(h.timestamp, rawBody, secret)
	for _, sig := range h.signatures {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return ErrNoMatch
}

func parseHeader(raw string) (*header, error) {
	h := &header{}
	var haveTimestamp bool

	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			return nil, ErrMalformedHeader
		}

		switch parts[0] {
		case "t":
			ts, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return nil, ErrMalformedHeader
			}
			h.timestamp = time.Unix(ts, 0)
			haveTimestamp = true
		case schemeV1:
			sig, err := hex.DecodeString(parts[1])
			if err != nil {
				// Skip undecodable entries, another v1 may still match.
				continue
			}
			h.signatures = append(h.signatures, sig)
		}
	}

	if !haveTimestamp || len(h.signatures) == 0 {
		return nil, ErrMalformedHeader
	}
	return h, nil
}

// SignOutbound produces a signature header for payload at the current time.
func SignOutbound(payload []byte, secret string) string {
	return SignAt(payload, secret, time.Now())
}

// SignAt produces a signature header for payload at the given time.
func SignAt(payload []byte, secret string, at time.Time) string {
	mac := webhook.ComputeSignature(at, payload, secret)
	return fmt.Sprintf("t=%d,%s=%s", at.Unix(), schemeV1, hex.EncodeToString(mac))
}
