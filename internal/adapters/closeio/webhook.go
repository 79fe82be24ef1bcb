package closeio

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mikey/email-open-relay/internal/core"
)

// Headers Close signs webhook deliveries with
const (
	SignatureHeader = "close-sig-hash"
	TimestampHeader = "close-sig-timestamp"
)

// SignatureTolerance is how far a delivery timestamp may drift from now
const SignatureTolerance = 5 * time.Minute

// ErrInvalidSignature is returned when a webhook signature does not verify
var ErrInvalidSignature = errors.New("invalid webhook signature")

// WebhookEnvelope is the body of a Close webhook delivery
type WebhookEnvelope struct {
	SubscriptionID string       `json:"subscription_id"`
	Event          WebhookEvent `json:"event"`
}

// WebhookEvent describes the change that triggered the delivery
type WebhookEvent struct {
	ID            string          `json:"id"`
	ObjectType    string          `json:"object_type"`
	ObjectID      string          `json:"object_id"`
	Action        string          `json:"action"`
	LeadID        string          `json:"lead_id"`
	ChangedFields []string        `json:"changed_fields"`
	Data          json.RawMessage `json:"data"`
}

// ParseWebhook decodes a delivery into a notice. ok is false for well-formed
// deliveries that do not report an email open, which callers acknowledge and ignore.
func ParseWebhook(body []byte) (notice core.SourceNotice, ok bool, err error) {
	var envelope WebhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return notice, false, fmt.Errorf("%w: invalid JSON: %v", core.ErrMalformedNotice, err)
	}

	event := envelope.Event
	if event.ObjectType != "activity.email" {
		return notice, false, nil
	}
	if len(event.ChangedFields) > 0 && !slices.Contains(event.ChangedFields, "opens") {
		return notice, false, nil
	}
	if len(event.Data) == 0 || string(event.Data) == "null" {
		return notice, false, fmt.Errorf("%w: event has no data", core.ErrMalformedNotice)
	}

	var activity EmailActivity
	if err := json.Unmarshal(event.Data, &activity); err != nil {
		return notice, false, fmt.Errorf("%w: invalid activity data: %v", core.ErrMalformedNotice, err)
	}
	if !activity.HasOpens() {
		return notice, false, nil
	}

	if activity.ID == "" {
		activity.ID = event.ObjectID
	}
	if activity.LeadID == "" {
		activity.LeadID = event.LeadID
	}

	notice, err = activity.Notice(core.SourceWebhook)
	if err != nil {
		return notice, false, err
	}
	return notice, true, nil
}

// VerifySignature checks the HMAC-SHA256 of timestamp+body against the hash header
// and rejects deliveries whose unix timestamp is outside SignatureTolerance of now.
// The secret is the hex signature key Close issues with the subscription.
func VerifySignature(secret string, header http.Header, body []byte, now time.Time) error {
	sig := strings.TrimSpace(header.Get(SignatureHeader))
	ts := strings.TrimSpace(header.Get(TimestampHeader))
	if sig == "" || ts == "" {
		return fmt.Errorf("%w: missing signature headers", ErrInvalidSignature)
	}

	want, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrInvalidSignature)
	}

	if !hmac.Equal(want, Sign(secret, ts, body)) {
		return ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp is not a unix time", ErrInvalidSignature)
	}
	if age := now.Sub(time.Unix(unix, 0)); age > SignatureTolerance || age < -SignatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance (%s)", ErrInvalidSignature, age.Round(time.Second))
	}
	return nil
}

// Sign computes the raw signature for a delivery
func Sign(secret, timestamp string, body []byte) []byte {
	key, err := hex.DecodeString(secret)
	if err != nil {
		key = []byte(secret)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return mac.Sum(nil)
}
