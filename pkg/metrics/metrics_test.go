package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

type fakeSource struct {
	pending, params int
}

func (f fakeSource) PendingRequests() int { return f.pending }
func (f fakeSource) ParameterCount() int  { return f.params }

func TestNew(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	m := New(logger)

	if m == nil {
		t.Fatal("Expected non-nil Metrics")
	}

	// Verify all metric fields are initialized
	for i, c := range m.collectors() {
		if c == nil {
			t.Errorf("collector %d not initialized", i)
		}
	}
}

func TestRegister(t *testing.T) {
	// Use a new registry for isolation
	reg := prometheus.NewRegistry()
	oldDefault := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = reg
	defer func() { prometheus.DefaultRegisterer = oldDefault }()

	m := New(zap.NewNop())
	if err := m.Register(); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Registering twice is harmless
	if err := m.Register(); err != nil {
		t.Fatalf("Second Register failed: %v", err)
	}
}

func TestHandler(t *testing.T) {
	m := New(zap.NewNop())
	m.RecordSessionStarted("2 PERIODIC")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

func TestRecordSession(t *testing.T) {
	m := New(zap.NewNop())

	m.RecordSessionStarted("2 PERIODIC")
	m.RecordSessionStarted("2 PERIODIC")
	m.RecordSessionStarted("6 CONNECTION REQUEST")
	m.RecordSessionEnded(20*time.Millisecond, nil)
	m.RecordSessionEnded(time.Second, errors.New("boom"))

	if got := testutil.ToFloat64(m.sessionsTotal.WithLabelValues("2 PERIODIC")); got != 2 {
		t.Errorf("Expected 2 periodic sessions, got %v", got)
	}
	if got := testutil.ToFloat64(m.sessionFailures); got != 1 {
		t.Errorf("Expected 1 failure, got %v", got)
	}
	if got := testutil.CollectAndCount(m.sessionDuration); got != 1 {
		t.Errorf("Expected one histogram series, got %d", got)
	}
}

func TestRecordRPC(t *testing.T) {
	m := New(zap.NewNop())
	m.RecordRPC("GetParameterValues", "ok")
	m.RecordRPC("Reboot", "fault")

	if got := testutil.ToFloat64(m.rpcTotal.WithLabelValues("Reboot", "fault")); got != 1 {
		t.Errorf("Expected 1, got %v", got)
	}
}

func TestRecordConnectionRequest(t *testing.T) {
	m := New(zap.NewNop())
	m.RecordConnectionRequest(false)
	m.RecordConnectionRequest(true)
	m.RecordConnectionRequest(true)

	if got := testutil.ToFloat64(m.connectionRequests.WithLabelValues("coalesced")); got != 2 {
		t.Errorf("Expected 2 coalesced, got %v", got)
	}
	if got := testutil.ToFloat64(m.connectionRequests.WithLabelValues("immediate")); got != 1 {
		t.Errorf("Expected 1 immediate, got %v", got)
	}
}

func TestRecordTransferAndAuth(t *testing.T) {
	m := New(zap.NewNop())
	m.RecordTransfer(true)
	m.RecordTransfer(false)
	m.RecordAuthChallenge("Digest")

	expected := `
# HELP cpesim_transfers_total Total completed Download transfers by result
# TYPE cpesim_transfers_total counter
cpesim_transfers_total{result="failure"} 1
cpesim_transfers_total{result="success"} 1
`
	if err := testutil.CollectAndCompare(m.transfersTotal, strings.NewReader(expected)); err != nil {
		t.Error(err)
	}
	if got := testutil.ToFloat64(m.authChallenges.WithLabelValues("Digest")); got != 1 {
		t.Errorf("Expected 1 challenge, got %v", got)
	}
}

func TestCollect(t *testing.T) {
	m := New(zap.NewNop())
	m.Collect(fakeSource{pending: 2, params: 140})

	if got := testutil.ToFloat64(m.pendingRequests); got != 2 {
		t.Errorf("Expected 2 pending, got %v", got)
	}
	if got := testutil.ToFloat64(m.parameters); got != 140 {
		t.Errorf("Expected 140 parameters, got %v", got)
	}
}

func TestStartCollector(t *testing.T) {
	m := New(zap.NewNop())
	stop := make(chan struct{})
	m.StartCollector(fakeSource{pending: 1, params: 3}, 10*time.Millisecond, stop)
	defer close(stop)

	deadline := time.Now().Add(time.Second)
	for testutil.ToFloat64(m.parameters) != 3 {
		if time.Now().After(deadline) {
			t.Fatal("collector did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordSessionStarted("2 PERIODIC")
	m.RecordSessionEnded(time.Second, nil)
	m.RecordRPC("Inform", "ok")
	m.RecordConnectionRequest(true)
	m.RecordTransfer(true)
	m.RecordAuthChallenge("Basic")
	m.Collect(fakeSource{})
}
