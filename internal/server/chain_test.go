package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/havenhealth/auditvault/internal/chain"
	"github.com/havenhealth/auditvault/internal/ledger"
	"github.com/havenhealth/auditvault/internal/server"
	"go.uber.org/zap"
)

// plainSealer stores ledger records unencrypted; keystore-backed sealing is
// covered by the vault package tests.
type plainSealer struct{}

func (plainSealer) SealRecord(p []byte) ([]byte, error) { return p, nil }
func (plainSealer) OpenRecord(s []byte) ([]byte, error) { return s, nil }

func TestSeal_failedMineKeepsBatchStaged(t *testing.T) {
	gin.SetMode(gin.TestMode)

	l := ledger.New(signingKey, t.TempDir(), plainSealer{}, zap.NewNop())
	if err := l.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() }) //nolint:errcheck
	for i := 0; i < 2; i++ {
		if _, err := l.Append(context.Background(), ledger.Event{
			Action: "view", Resource: "patient_record", Result: ledger.ResultSuccess,
		}); err != nil {
			t.Fatal(err)
		}
	}

	v := chain.NewVerifier(signingKey, zap.NewNop())
	v.SetDifficulty(6)
	h := server.NewChainHandler(v, l, zap.NewNop())

	r := gin.New()
	r.POST("/chain/seal", h.Seal)

	// Abort mining via the request context so the seal fails mid-flight.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/chain/seal", nil).WithContext(cancelled)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d, want 500", w.Code)
	}

	// The drained batch must be back on the staging buffer, not dropped.
	if batch := l.TakeBatch(); len(batch) != 2 {
		t.Errorf("staged batch after failed seal: got %d events, want 2", len(batch))
	}
	if v.Height() != 1 {
		t.Errorf("failed seal changed chain height to %d", v.Height())
	}
}
