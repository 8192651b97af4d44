package circle

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nairaflow/reconciler/internal/webhook/domain"
)

const signatureHeader = "X-Circle-Signature"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return domain.ProviderCircle
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
	var event circleNotification
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.NotificationID) == "" {
		return nil, domain.ErrInvalidPayload
	}

	if !strings.EqualFold(strings.TrimSpace(event.NotificationType), "transfers") {
		return nil, domain.ErrEventIgnored
	}
	transfer := event.Transfer
	if transfer == nil || strings.TrimSpace(transfer.ID) == "" {
		return nil, domain.ErrInvalidPayload
	}

	var target string
	switch strings.ToLower(strings.TrimSpace(transfer.Status)) {
	case "pending", "running":
		target = domain.TargetStatusPending
	case "complete", "completed":
		target = domain.TargetStatusCompleted
	case "failed", "denied":
		target = domain.TargetStatusFailed
	default:
		return nil, domain.ErrEventIgnored
	}

	amount, err := parseMinorUnits(transfer.Amount.Amount)
	if err != nil {
		return nil, domain.ErrInvalidPayload
	}

	occurredAt := time.Now().UTC()
	if transfer.CreateDate != nil {
		occurredAt = transfer.CreateDate.UTC()
	}

	metadata := map[string]any{
		"transfer_id": transfer.ID,
	}
	if transfer.TransactionHash != "" {
		metadata["transaction_hash"] = transfer.TransactionHash
	}
	if transfer.Source.Chain != "" {
		metadata["source_chain"] = transfer.Source.Chain
	}
	if transfer.Destination.Chain != "" {
		metadata["destination_chain"] = transfer.Destination.Chain
	}

	return &domain.Event{
		Provider:        domain.ProviderCircle,
		ProviderEventID: event.NotificationID,
		Type:            "transfers." + strings.ToLower(strings.TrimSpace(transfer.Status)),
		Reference:       transfer.ID,
		TargetStatus:    target,
		Amount:          amount,
		Currency:        strings.ToUpper(strings.TrimSpace(transfer.Amount.Currency)),
		OccurredAt:      occurredAt,
		Metadata:        metadata,
		RawPayload:      payload,
	}, nil
}

type circleNotification struct {
	NotificationID   string          `json:"notificationId"`
	NotificationType string          `json:"notificationType"`
	Transfer         *circleTransfer `json:"transfer"`
}

type circleTransfer struct {
	ID              string         `json:"id"`
	Status          string         `json:"status"`
	Amount          circleAmount   `json:"amount"`
	Source          circleEndpoint `json:"source"`
	Destination     circleEndpoint `json:"destination"`
	TransactionHash string         `json:"transactionHash"`
	CreateDate      *time.Time     `json:"createDate"`
}

type circleAmount struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type circleEndpoint struct {
	Type  string `json:"type"`
	Chain string `json:"chain"`
}

// parseMinorUnits converts Circle's decimal string amounts ("10.50") into
// integer minor units without going through floating point.
func parseMinorUnits(value string) (int64, error) {
	value = strings.TrimSpace(value)
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
		// Sub-cent precision is not representable in minor units.
		if strings.Trim(frac[2:], "0") != "" {
			return 0, domain.ErrInvalidPayload
		}
		frac = frac[:2]
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units < 0 {
		return 0, domain.ErrInvalidPayload
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, domain.ErrInvalidPayload
	}
	return units*100 + cents, nil
}
