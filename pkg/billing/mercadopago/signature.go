package mercadopago

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/practpec/voyaj-api/pkg/billing"
	"github.com/practpec/voyaj-api/pkg/subscription"
)

// SignatureHeader is the header carrying "ts=<unix>,v1=<hex>"
const SignatureHeader = "X-Signature"

// notification is the body MercadoPago posts to the webhook. It only
// references the object; nothing in it is trusted beyond the id.
type notification struct {
	ID     json.RawMessage `json:"id"`
	Type   string          `json:"type"`
	Topic  string          `json:"topic"`
	Action string          `json:"action"`
	Data   struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

// VerifyWebhookSignature authenticates a notification body. The returned
// event is a reference (ProviderType = topic, PaymentID = object id) that
// must be passed through ResolveNotification before processing.
func (g *Gateway) VerifyWebhookSignature(payload []byte, signature string) (*subscription.Event, error) {
	if len(g.webhookSecret) == 0 {
		return nil, &subscription.SignatureError{Provider: providerName, Reason: "webhook secret not configured"}
	}
	ts, v1, err := parseSignatureHeader(signature)
	if err != nil {
		return nil, &subscription.SignatureError{Provider: providerName, Reason: err.Error()}
	}
	expected, err := hex.DecodeString(v1)
	if err != nil {
		return nil, &subscription.SignatureError{Provider: providerName, Reason: "v1 is not hex"}
	}
	if !hmac.Equal(expected, Sign(g.webhookSecret, ts, payload)) {
		return nil, &subscription.SignatureError{Provider: providerName, Reason: "signature mismatch"}
	}

	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	topic := n.Type
	if topic == "" {
		topic = n.Topic
	}
	id := rawID(n.Data.ID)
	if topic == "" || id == "" {
		return nil, fmt.Errorf("%w: notification without topic or data.id", billing.ErrInvalidWebhookPayload)
	}
	return &subscription.Event{
		ID:           "mp_notification_" + rawID(n.ID),
		Provider:     providerName,
		ProviderType: topic,
		PaymentID:    id,
	}, nil
}

// Sign computes HMAC-SHA256 over "ts=<ts>&payload=<body>".
func Sign(secret []byte, ts string, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("ts=" + ts + "&payload="))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignatureHeaderValue formats a header for the given timestamp and body.
func SignatureHeaderValue(secret []byte, ts string, payload []byte) string {
	return fmt.Sprintf("ts=%s,v1=%s", ts, hex.EncodeToString(Sign(secret, ts, payload)))
}

func parseSignatureHeader(header string) (ts, v1 string, err error) {
	if strings.TrimSpace(header) == "" {
		return "", "", fmt.Errorf("missing %s header", SignatureHeader)
	}
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return "", "", fmt.Errorf("malformed signature element %q", part)
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	if ts == "" || v1 == "" {
		return "", "", fmt.Errorf("signature header missing ts or v1")
	}
	return ts, v1, nil
}

// rawID accepts ids sent as JSON strings or numbers.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
