package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/InspectionAudit/internal/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func brokenReport() *audit.Report {
	return &audit.Report{
		TenantID: "tenant-a",
		Entries:  2,
		Violation: &audit.Violation{
			Index: 2, EntryID: uuid.New(), Kind: audit.ViolationEntryHash, Expected: "aa", Actual: "bb",
		},
	}
}

func TestChainBroken_signedDelivery(t *testing.T) {
	var got Event
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sig = r.Header.Get(SignatureHeader)
		assert.Equal(t, Sign(body, "s3cret"), sig)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "s3cret", zap.NewNop())
	require.NoError(t, n.ChainBroken(context.Background(), brokenReport()))

	assert.Equal(t, EventChainBroken, got.Type)
	assert.Equal(t, "tenant-a", got.TenantID)
	require.NotNil(t, got.Violation)
	assert.Equal(t, 2, got.Violation.Index)
	assert.Contains(t, sig, "sha256=")
}

func TestChainBroken_retriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "", zap.NewNop())
	n.delays = []time.Duration{0, time.Millisecond, time.Millisecond}
	var outcomes []bool
	n.SetMetricsRecorder(func(ok bool) { outcomes = append(outcomes, ok) })

	require.NoError(t, n.ChainBroken(context.Background(), brokenReport()))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []bool{false, false, true}, outcomes)
}

func TestChainBroken_givesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "", zap.NewNop())
	n.delays = []time.Duration{0, time.Millisecond}

	err := n.ChainBroken(context.Background(), brokenReport())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
}
