package circle

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"testing"

	"github.com/nairaflow/reconciler/internal/webhook/domain"
)

func newAdapter(t *testing.T, secret string) domain.Adapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(domain.AdapterConfig{Provider: domain.ProviderCircle, Secret: secret})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter
}

func TestVerify(t *testing.T) {
	secret := "circle_secret"
	payload := []byte(`{"notificationId":"n-1","notificationType":"transfers"}`)
	adapter := newAdapter(t, secret)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	headers := http.Header{}
	headers.Set("X-Circle-Signature", hex.EncodeToString(mac.Sum(nil)))

	if err := adapter.Verify(context.Background(), payload, headers); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	headers.Set("X-Circle-Signature", "deadbeef")
	if err := adapter.Verify(context.Background(), payload, headers); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	adapter := newAdapter(t, "circle_secret")

	tests := []struct {
		name       string
		payload    string
		wantErr    error
		wantTarget string
		wantAmount int64
	}{
		{
			name:       "complete transfer",
			payload:    `{"notificationId":"n-1","notificationType":"transfers","transfer":{"id":"t-100","status":"complete","amount":{"amount":"10.50","currency":"USD"}}}`,
			wantTarget: domain.TargetStatusCompleted,
			wantAmount: 1050,
		},
		{
			name:       "running maps to pending",
			payload:    `{"notificationId":"n-2","notificationType":"transfers","transfer":{"id":"t-101","status":"running","amount":{"amount":"200","currency":"USD"}}}`,
			wantTarget: domain.TargetStatusPending,
			wantAmount: 20000,
		},
		{
			name:       "denied maps to failed",
			payload:    `{"notificationId":"n-3","notificationType":"transfers","transfer":{"id":"t-102","status":"denied","amount":{"amount":"0.99","currency":"USD"}}}`,
			wantTarget: domain.TargetStatusFailed,
			wantAmount: 99,
		},
		{
			name:    "non-transfer notification ignored",
			payload: `{"notificationId":"n-4","notificationType":"payments"}`,
			wantErr: domain.ErrEventIgnored,
		},
		{
			name:    "sub-cent precision rejected",
			payload: `{"notificationId":"n-5","notificationType":"transfers","transfer":{"id":"t-103","status":"complete","amount":{"amount":"10.505","currency":"USD"}}}`,
			wantErr: domain.ErrInvalidPayload,
		},
		{
			name:    "missing transfer",
			payload: `{"notificationId":"n-6","notificationType":"transfers"}`,
			wantErr: domain.ErrInvalidPayload,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			event, err := adapter.Normalize(context.Background(), []byte(tc.payload))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if event.TargetStatus != tc.wantTarget {
				t.Fatalf("target = %q, want %q", event.TargetStatus, tc.wantTarget)
			}
			if event.Amount != tc.wantAmount {
				t.Fatalf("amount = %d, want %d", event.Amount, tc.wantAmount)
			}
		})
	}
}

func TestParseMinorUnits(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "10.50", want: 1050},
		{in: "10.5", want: 1050},
		{in: "10", want: 1000},
		{in: "0.01", want: 1},
		{in: ".5", want: 50},
		{in: "10.500", want: 1050},
		{in: "10.505", wantErr: true},
		{in: "-1.00", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range tests {
		got, err := parseMinorUnits(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseMinorUnits(%q): expected error, got %d", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseMinorUnits(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parseMinorUnits(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
