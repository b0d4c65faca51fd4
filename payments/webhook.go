package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// SignatureHeader is the processor's signature header name.
	SignatureHeader = "Stripe-Signature"

	signatureTolerance = 5 * time.Minute
)

// ErrBadSignature is returned when the event envelope fails verification.
// The whole event must be discarded with no effect.
var ErrBadSignature = errors.New("payments: webhook signature verification failed")

// Event types consumed by the bridge.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventTransferCreated  = "transfer.created"
	EventChargeRefunded   = "charge.refunded"
	EventAccountUpdated   = "account.updated"
)

// Event is the verified inbound envelope from the payment processor.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object EventObject `json:"object"`
	} `json:"data"`
}

// EventObject is the typed payload. Amounts are minor currency units.
type EventObject struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	PaymentIntent  string            `json:"payment_intent"`
	Destination    string            `json:"destination"`
	ChargesEnabled bool              `json:"charges_enabled"`
	PayoutsEnabled bool              `json:"payouts_enabled"`
	LastError      string            `json:"last_payment_error,omitempty"`
	Metadata       map[string]string `json:"metadata"`
}

// VerifySignature checks the stripe-v1 scheme: the header carries
// "t=<unix>,v1=<hex hmac>" pairs, the signed payload is "<t>.<body>" and the
// MAC is HMAC-SHA256 under the endpoint secret. Timestamps outside the
// tolerance window are rejected to blunt replay.
func VerifySignature(header string, body []byte, secret string, now time.Time) error {
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("payments: webhook secret is empty")
	}

	timestamp, signatures := parseSignatureHeader(header)
	if timestamp == "" || len(signatures) == 0 {
		return ErrBadSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || ts <= 0 {
		return ErrBadSignature
	}

	skew := now.UTC().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > signatureTolerance {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, sigHex := range signatures {
		decoded, err := hex.DecodeString(sigHex)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, decoded) {
			return nil
		}
	}
	return ErrBadSignature
}

// ParseEvent decodes a verified body into an Event.
func ParseEvent(body []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return Event{}, fmt.Errorf("payments: decode event: %w", err)
	}
	if evt.ID == "" || evt.Type == "" {
		return Event{}, fmt.Errorf("payments: event missing id or type")
	}
	return evt, nil
}

func parseSignatureHeader(header string) (string, []string) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", nil
	}
	var t string
	v1 := make([]string, 0, 2)
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "t":
			if t == "" {
				t = strings.TrimSpace(kv[1])
			}
		case "v1":
			if v := strings.TrimSpace(kv[1]); v != "" {
				v1 = append(v1, v)
			}
		}
	}
	return t, v1
}

// SignPayload produces a valid signature header for the given body. Test and
// tooling helper; the real header comes from the processor.
func SignPayload(body []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.UTC().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}
