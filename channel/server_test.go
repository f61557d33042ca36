package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/chanmux/wire"
)

type recordingMetrics struct {
	mu     sync.Mutex
	gauges map[string]float64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{gauges: make(map[string]float64)}
}

func (m *recordingMetrics) IncCounter(string, float64, ...string) {}
func (m *recordingMetrics) RecordTimer(string, time.Duration, ...string) {}

func (m *recordingMetrics) RecordGauge(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := name
	for i := 0; i+1 < len(tags); i += 2 {
		key += ":" + tags[i+1]
	}
	m.gauges[key] = value
}

func (m *recordingMetrics) get(key string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[key]
}

type blockingHandler struct {
	unblock chan struct{}
}

func (h *blockingHandler) Call(ctx context.Context, method string, arg wire.Value) (wire.Value, error) {
	<-h.unblock
	return wire.Absent(), nil
}

func (h *blockingHandler) Listen(ctx context.Context, event string, arg wire.Value) (EventProducer, error) {
	return nil, NewHandlerError("Error", "not implemented", nil)
}

// TestServerRecordsActiveRequestGauge verifies that the per-channel active-
// request gauge rises while a Call is in flight and falls back to zero once
// it completes.
func TestServerRecordsActiveRequestGauge(t *testing.T) {
	metrics := newRecordingMetrics()
	server, client := newLinkedPair(t, WithMetrics(metrics))

	unblock := make(chan struct{})
	server.RegisterChannel("slow", &blockingHandler{unblock: unblock})
	require.NoError(t, server.SendInitialize())

	resultCh := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "slow", "Do", wire.Absent())
		resultCh <- err
	}()

	eventually(t, time.Second, func() bool { return metrics.get("chanmux.server.active_requests:slow") == 1 })

	close(unblock)
	require.NoError(t, <-resultCh)

	eventually(t, time.Second, func() bool { return metrics.get("chanmux.server.active_requests:slow") == 0 })
}
