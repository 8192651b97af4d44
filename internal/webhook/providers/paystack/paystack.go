package paystack

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nairaflow/reconciler/internal/webhook/domain"
)

const signatureHeader = "X-Paystack-Signature"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return domain.ProviderPaystack
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	return &Adapter{secret: strings.TrimSpace(cfg.Secret)}, nil
}

type Adapter struct {
	secret string
}

// Verify checks the X-Paystack-Signature header: HMAC-SHA512 of the raw
// body with the account secret key, hex encoded.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if a.secret == "" {
		return domain.ErrSecretMissing
	}
	signature := strings.TrimSpace(headers.Get(signatureHeader))
	if signature == "" {
		return domain.ErrInvalidSignature
	}

	mac := hmac.New(sha512.New, []byte(a.secret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Normalize(ctx context.Context, payload []byte) (*domain.Event, error) {
	var event paystackEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	eventType := strings.TrimSpace(event.Event)
	if eventType == "" {
		return nil, domain.ErrInvalidPayload
	}

	var target string
	switch eventType {
	case "charge.success", "transfer.success":
		target = domain.TargetStatusCompleted
	case "charge.failed", "transfer.failed", "transfer.reversed":
		target = domain.TargetStatusFailed
	default:
		return nil, domain.ErrEventIgnored
	}

	reference := strings.TrimSpace(event.Data.Reference)
	if reference == "" {
		return nil, domain.ErrInvalidPayload
	}
	if event.Data.ID == 0 {
		return nil, domain.ErrInvalidPayload
	}
	if target == domain.TargetStatusCompleted && event.Data.Amount <= 0 {
		return nil, domain.ErrInvalidPayload
	}

	occurredAt := time.Now().UTC()
	if event.Data.PaidAt != nil {
		occurredAt = event.Data.PaidAt.UTC()
	} else if !event.Data.CreatedAt.IsZero() {
		occurredAt = event.Data.CreatedAt.UTC()
	}

	metadata := map[string]any{}
	for key, value := range event.Data.Metadata {
		metadata[key] = value
	}
	if event.Data.Channel != "" {
		metadata["channel"] = event.Data.Channel
	}
	if event.Data.GatewayResponse != "" {
		metadata["gateway_response"] = event.Data.GatewayResponse
	}

	return &domain.Event{
		Provider: domain.ProviderPaystack,
		// Paystack does not carry a dedicated event id on the body; the
		// charge/transfer id qualified by event type is stable across
		// redeliveries of the same notification.
		ProviderEventID: fmt.Sprintf("%s:%d", eventType, event.Data.ID),
		Type:            eventType,
		Reference:       reference,
		TargetStatus:    target,
		Amount:          event.Data.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(event.Data.Currency)),
		OccurredAt:      occurredAt,
		Metadata:        metadata,
		RawPayload:      payload,
	}, nil
}

type paystackEvent struct {
	Event string       `json:"event"`
	Data  paystackData `json:"data"`
}

type paystackData struct {
	ID              int64          `json:"id"`
	Status          string         `json:"status"`
	Reference       string         `json:"reference"`
	Amount          int64          `json:"amount"`
	Currency        string         `json:"currency"`
	Channel         string         `json:"channel"`
	GatewayResponse string         `json:"gateway_response"`
	PaidAt          *time.Time     `json:"paid_at"`
	CreatedAt       time.Time      `json:"created_at"`
	Metadata        map[string]any `json:"metadata"`
}
