package resend

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/nairaflow/reconciler/internal/webhook/domain"
)

const testKey = "whsec_MfKQ9r8GKYqrTwjUPD8ILPZIo2LaLaSw"

func newAdapter(t *testing.T) domain.Adapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(domain.AdapterConfig{Provider: domain.ProviderResend, Secret: testKey})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter
}

func signedHeaders(t *testing.T, msgID string, ts time.Time, payload []byte) http.Header {
	t.Helper()
	key, err := base64.StdEncoding.DecodeString(testKey[len("whsec_"):])
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s.%s.", msgID, timestamp)
	mac.Write(payload)

	headers := http.Header{}
	headers.Set("svix-id", msgID)
	headers.Set("svix-timestamp", timestamp)
	headers.Set("svix-signature", "v1,"+base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	return headers
}

func TestVerify(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{"type":"email.delivered","data":{"email_id":"em_1"}}`)

	headers := signedHeaders(t, "msg_2GpA", time.Now(), payload)
	if err := adapter.Verify(context.Background(), payload, headers); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	// Tampered body must fail even with valid headers.
	if err := adapter.Verify(context.Background(), []byte(`{"type":"email.bounced"}`), headers); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{"type":"email.delivered","data":{"email_id":"em_1"}}`)

	headers := signedHeaders(t, "msg_2GpA", time.Now().Add(-10*time.Minute), payload)
	if err := adapter.Verify(context.Background(), payload, headers); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for stale timestamp, got %v", err)
	}
}

func TestVerifyMultipleSignatures(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{"type":"email.delivered","data":{"email_id":"em_1"}}`)

	headers := signedHeaders(t, "msg_2GpA", time.Now(), payload)
	// Old-key signatures may precede the current one after a secret rotation.
	headers.Set("svix-signature", "v1,bm90LXRoZS1yaWdodC1zaWc= "+headers.Get("svix-signature"))
	if err := adapter.Verify(context.Background(), payload, headers); err != nil {
		t.Fatalf("rotated signature list rejected: %v", err)
	}
}

func TestNormalize(t *testing.T) {
	adapter := newAdapter(t)

	tests := []struct {
		name       string
		payload    string
		wantErr    error
		wantTarget string
	}{
		{
			name:       "sent",
			payload:    `{"type":"email.sent","data":{"email_id":"em_1","subject":"Receipt"}}`,
			wantTarget: domain.TargetStatusPending,
		},
		{
			name:       "delivered",
			payload:    `{"type":"email.delivered","data":{"email_id":"em_1"}}`,
			wantTarget: domain.TargetStatusCompleted,
		},
		{
			name:       "bounced",
			payload:    `{"type":"email.bounced","data":{"email_id":"em_1"}}`,
			wantTarget: domain.TargetStatusFailed,
		},
		{
			name:    "delayed is ignored",
			payload: `{"type":"email.delivery_delayed","data":{"email_id":"em_1"}}`,
			wantErr: domain.ErrEventIgnored,
		},
		{
			name:    "opened is ignored",
			payload: `{"type":"email.opened","data":{"email_id":"em_1"}}`,
			wantErr: domain.ErrEventIgnored,
		},
		{
			name:    "missing email id",
			payload: `{"type":"email.delivered","data":{}}`,
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
			if event.Amount != 0 {
				t.Fatalf("email events carry no amount, got %d", event.Amount)
			}
			if event.Reference != "em_1" {
				t.Fatalf("reference = %q", event.Reference)
			}
		})
	}
}

func TestNormalizeDistinctEventIDsPerLifecycleStage(t *testing.T) {
	adapter := newAdapter(t)

	sent, err := adapter.Normalize(context.Background(), []byte(`{"type":"email.sent","data":{"email_id":"em_1"}}`))
	if err != nil {
		t.Fatalf("normalize sent: %v", err)
	}
	delivered, err := adapter.Normalize(context.Background(), []byte(`{"type":"email.delivered","data":{"email_id":"em_1"}}`))
	if err != nil {
		t.Fatalf("normalize delivered: %v", err)
	}
	if sent.ProviderEventID == delivered.ProviderEventID {
		t.Fatal("lifecycle stages must not collide in the idempotency ledger")
	}
}
