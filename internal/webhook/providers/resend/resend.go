package resend

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nairaflow/reconciler/internal/webhook/domain"
)

// Resend signs webhooks with the svix scheme: HMAC-SHA256 over
// "{id}.{timestamp}.{body}" with a base64 secret, base64 signatures in a
// space-separated "v1,<sig>" list.
const (
	idHeader        = "svix-id"
	timestampHeader = "svix-timestamp"
	signatureHeader = "svix-signature"

	timestampTolerance = 5 * time.Minute
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return domain.ProviderResend
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	return &Adapter{secret: strings.TrimSpace(cfg.Secret)}, nil
}

type Adapter struct {
	secret string
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if a.secret == "" {
		return domain.ErrSecretMissing
	}

	msgID := strings.TrimSpace(headers.Get(idHeader))
	timestamp := strings.TrimSpace(headers.Get(timestampHeader))
	signatures := strings.TrimSpace(headers.Get(signatureHeader))
	if msgID == "" || timestamp == "" || signatures == "" {
		return domain.ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	drift := time.Since(time.Unix(unix, 0))
	if drift > timestampTolerance || drift < -timestampTolerance {
		return domain.ErrInvalidSignature
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(a.secret, "whsec_"))
	if err != nil {
		return domain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, key)
	_, _ = fmt.Fprintf(mac, "%s.%s.", msgID, timestamp)
	_, _ = mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	for _, candidate := range strings.Fields(signatures) {
		parts := strings.SplitN(candidate, ",", 2)
		if len(parts) != 2 || parts[0] != "v1" {
			continue
		}
		if hmac.Equal([]byte(parts[1]), []byte(expected)) {
			return nil
		}
	}
	return domain.ErrInvalidSignature
}

func (a *Adapter) Normalize(ctx context.Context, payload []byte) (*domain.Event, error) {
	var event resendEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	eventType := strings.TrimSpace(event.Type)
	if eventType == "" {
		return nil, domain.ErrInvalidPayload
	}

	var target string
	switch eventType {
	case "email.sent":
		target = domain.TargetStatusPending
	case "email.delivered":
		target = domain.TargetStatusCompleted
	case "email.bounced", "email.complained":
		target = domain.TargetStatusFailed
	default:
		return nil, domain.ErrEventIgnored
	}

	emailID := strings.TrimSpace(event.Data.EmailID)
	if emailID == "" {
		return nil, domain.ErrInvalidPayload
	}

	occurredAt := time.Now().UTC()
	if event.CreatedAt != nil {
		occurredAt = event.CreatedAt.UTC()
	}

	metadata := map[string]any{}
	if event.Data.Subject != "" {
		metadata["subject"] = event.Data.Subject
	}
	if len(event.Data.To) > 0 {
		metadata["to"] = event.Data.To
	}

	return &domain.Event{
		Provider: domain.ProviderResend,
		// Email dispatches carry no money; the dispatch record is keyed
		// by the Resend email id and each lifecycle event is distinct.
		ProviderEventID: emailID + ":" + eventType,
		Type:            eventType,
		Reference:       emailID,
		TargetStatus:    target,
		Amount:          0,
		Currency:        "",
		OccurredAt:      occurredAt,
		Metadata:        metadata,
		RawPayload:      payload,
	}, nil
}

type resendEvent struct {
	Type      string     `json:"type"`
	CreatedAt *time.Time `json:"created_at"`
	Data      resendData `json:"data"`
}

type resendData struct {
	EmailID string   `json:"email_id"`
	Subject string   `json:"subject"`
	To      []string `json:"to"`
}
