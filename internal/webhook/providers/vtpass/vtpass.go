package vtpass

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/nairaflow/reconciler/internal/webhook/domain"
)

const signatureHeader = "X-Vtpass-Signature"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return domain.ProviderVTPass
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
	signature := strings.TrimSpace(headers.Get(signatureHeader))
	if signature == "" {
		return domain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.secret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Normalize(ctx context.Context, payload []byte) (*domain.Event, error) {
	var event vtpassEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	if !strings.EqualFold(strings.TrimSpace(event.Type), "transaction-update") {
		return nil, domain.ErrEventIgnored
	}

	txn := event.Data.Content.Transactions
	requestID := strings.TrimSpace(event.Data.RequestID)
	if requestID == "" {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(txn.TransactionID) == "" {
		return nil, domain.ErrInvalidPayload
	}

	var target string
	switch strings.ToLower(strings.TrimSpace(txn.Status)) {
	case "pending", "initiated":
		target = domain.TargetStatusPending
	case "delivered":
		target = domain.TargetStatusCompleted
	case "failed", "reversed", "resolved":
		target = domain.TargetStatusFailed
	default:
		return nil, domain.ErrEventIgnored
	}

	// VTPass reports naira with a decimal point; orders are stored in kobo.
	amount, err := parseNairaToKobo(txn.Amount)
	if err != nil {
		return nil, domain.ErrInvalidPayload
	}

	occurredAt := time.Now().UTC()
	if !event.Data.TransactionDate.IsZero() {
		occurredAt = event.Data.TransactionDate.UTC()
	}

	metadata := map[string]any{
		"transaction_id": txn.TransactionID,
	}
	if txn.Type != "" {
		metadata["product_type"] = txn.Type
	}
	if txn.UniqueElement != "" {
		metadata["unique_element"] = txn.UniqueElement
	}

	return &domain.Event{
		Provider:        domain.ProviderVTPass,
		ProviderEventID: txn.TransactionID,
		Type:            "transaction-update." + strings.ToLower(strings.TrimSpace(txn.Status)),
		Reference:       requestID,
		TargetStatus:    target,
		Amount:          amount,
		Currency:        "NGN",
		OccurredAt:      occurredAt,
		Metadata:        metadata,
		RawPayload:      payload,
	}, nil
}

type vtpassEvent struct {
	Type string     `json:"type"`
	Data vtpassData `json:"data"`
}

type vtpassData struct {
	RequestID       string        `json:"requestId"`
	TransactionDate time.Time     `json:"transaction_date"`
	Content         vtpassContent `json:"content"`
}

type vtpassContent struct {
	Transactions vtpassTransaction `json:"transactions"`
}

type vtpassTransaction struct {
	Status        string          `json:"status"`
	TransactionID string          `json:"transactionId"`
	Type          string          `json:"type"`
	UniqueElement string          `json:"unique_element"`
	Amount        json.RawMessage `json:"amount"`
}

// parseNairaToKobo accepts VTPass amount encodings (number or string,
// possibly fractional naira) and returns kobo.
func parseNairaToKobo(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, domain.ErrInvalidPayload
	}
	value := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if value == "" {
		return 0, domain.ErrInvalidPayload
	}

	whole := value
	frac := ""
	if idx := strings.IndexByte(value, '.'); idx >= 0 {
		whole = value[:idx]
		frac = value[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	switch {
	case len(frac) == 0:
		frac = "00"
	case len(frac) == 1:
		frac += "0"
	case len(frac) > 2:
		if strings.Trim(frac[2:], "0") != "" {
			return 0, domain.ErrInvalidPayload
		}
		frac = frac[:2]
	}

	var naira, kobo int64
	for _, r := range whole {
		if r < '0' || r > '9' {
			return 0, domain.ErrInvalidPayload
		}
		naira = naira*10 + int64(r-'0')
	}
	for _, r := range frac {
		if r < '0' || r > '9' {
			return 0, domain.ErrInvalidPayload
		}
		kobo = kobo*10 + int64(r-'0')
	}
	return naira*100 + kobo, nil
}
