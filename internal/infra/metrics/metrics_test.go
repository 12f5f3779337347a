package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TrackStarted("g1")
	m.TrackStarted("g1")
	m.TrackStarted("g2")
	m.TrackFailed("loadFailed")
	m.TrackFailed("")
	m.EnqueueRejected("queue_full")
	m.ActiveQueues(3)
	m.ObserveConnect(200*time.Millisecond, nil)
	m.ObserveConnect(time.Second, errors.New("timeout"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TracksStarted.WithLabelValues("g1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TracksStarted.WithLabelValues("g2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TrackFailures.WithLabelValues("loadFailed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TrackFailures.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rejections.WithLabelValues("queue_full")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveQueueSize))
	assert.Equal(t, 2, testutil.CollectAndCount(m.ConnectLatency))
}

func TestRegisterTwiceOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ActiveQueues(1)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dj_active_guild_queues 1")
}
