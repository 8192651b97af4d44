package paystack

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net/http"
	"testing"

	"github.com/nairaflow/reconciler/internal/webhook/domain"
)

func newAdapter(t *testing.T, secret string) domain.Adapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(domain.AdapterConfig{Provider: domain.ProviderPaystack, Secret: secret})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerify(t *testing.T) {
	secret := "sk_test_abc123"
	payload := []byte(`{"event":"charge.success","data":{"id":1}}`)
	adapter := newAdapter(t, secret)

	headers := http.Header{}
	headers.Set("X-Paystack-Signature", sign(secret, payload))
	if err := adapter.Verify(context.Background(), payload, headers); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	headers.Set("X-Paystack-Signature", sign("sk_test_wrong", payload))
	if err := adapter.Verify(context.Background(), payload, headers); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	if err := adapter.Verify(context.Background(), payload, http.Header{}); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for missing header, got %v", err)
	}
}

func TestVerifyWithoutSecret(t *testing.T) {
	adapter := newAdapter(t, "")
	headers := http.Header{}
	headers.Set("X-Paystack-Signature", "anything")
	if err := adapter.Verify(context.Background(), []byte(`{}`), headers); !errors.Is(err, domain.ErrSecretMissing) {
		t.Fatalf("expected ErrSecretMissing, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	adapter := newAdapter(t, "sk_test_abc123")

	tests := []struct {
		name       string
		payload    string
		wantErr    error
		wantTarget string
		wantRef    string
		wantAmount int64
	}{
		{
			name:       "charge success",
			payload:    `{"event":"charge.success","data":{"id":302961,"reference":"fund_7PVGX8MEk85tgeEpVDtD","amount":50000,"currency":"NGN","channel":"card","gateway_response":"Approved","status":"success"}}`,
			wantTarget: domain.TargetStatusCompleted,
			wantRef:    "fund_7PVGX8MEk85tgeEpVDtD",
			wantAmount: 50000,
		},
		{
			name:       "transfer failed",
			payload:    `{"event":"transfer.failed","data":{"id":21,"reference":"trf_x9001","amount":120000,"currency":"NGN","status":"failed"}}`,
			wantTarget: domain.TargetStatusFailed,
			wantRef:    "trf_x9001",
			wantAmount: 120000,
		},
		{
			name:       "transfer reversed",
			payload:    `{"event":"transfer.reversed","data":{"id":22,"reference":"trf_x9002","amount":5000,"currency":"NGN"}}`,
			wantTarget: domain.TargetStatusFailed,
			wantRef:    "trf_x9002",
			wantAmount: 5000,
		},
		{
			name:    "ignored event",
			payload: `{"event":"subscription.create","data":{"id":10,"reference":"sub_1"}}`,
			wantErr: domain.ErrEventIgnored,
		},
		{
			name:    "missing reference",
			payload: `{"event":"charge.success","data":{"id":302961,"amount":50000}}`,
			wantErr: domain.ErrInvalidPayload,
		},
		{
			name:    "zero amount on success",
			payload: `{"event":"charge.success","data":{"id":302961,"reference":"fund_1","amount":0}}`,
			wantErr: domain.ErrInvalidPayload,
		},
		{
			name:    "malformed body",
			payload: `{"event":`,
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
			if event.Reference != tc.wantRef {
				t.Fatalf("reference = %q, want %q", event.Reference, tc.wantRef)
			}
			if event.Amount != tc.wantAmount {
				t.Fatalf("amount = %d, want %d", event.Amount, tc.wantAmount)
			}
			if event.Provider != domain.ProviderPaystack {
				t.Fatalf("provider = %q", event.Provider)
			}
			if event.ProviderEventID == "" {
				t.Fatal("provider event id is empty")
			}
		})
	}
}

func TestNormalizeEventIDStableAcrossRedelivery(t *testing.T) {
	adapter := newAdapter(t, "sk_test_abc123")
	payload := []byte(`{"event":"charge.success","data":{"id":302961,"reference":"fund_1","amount":50000,"currency":"NGN"}}`)

	first, err := adapter.Normalize(context.Background(), payload)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	second, err := adapter.Normalize(context.Background(), payload)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if first.ProviderEventID != second.ProviderEventID {
		t.Fatalf("event id changed across redelivery: %q vs %q", first.ProviderEventID, second.ProviderEventID)
	}
}
