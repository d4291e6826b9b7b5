package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndCollectorsWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg), "second register is a no-op")

	IncStart("gui")
	ObserveLoginDuration("gui", 1.5)
	RecordStateTransition("gui", "Initial", "Working")
	SetCurrentState("gui", "Working", true)
	IncRestart("gui")
	IncTooManyRestarts("gui")
	IncEventRaised(500010001)
	IncEventAcknowledged("ok")
	SetEventsActive(2)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	want := map[string]bool{
		"procguard_process_starts_total":               false,
		"procguard_device_login_duration_seconds":      false,
		"procguard_controller_state_transitions_total": false,
		"procguard_controller_current_state":           false,
		"procguard_controller_restarts_total":          false,
		"procguard_controller_too_many_restarts_total": false,
		"procguard_events_raised_total":                false,
		"procguard_events_acknowledged_total":          false,
		"procguard_events_active":                      false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
			assert.NotEmpty(t, mf.GetMetric(), mf.GetName())
		}
	}
	for n, found := range want {
		assert.True(t, found, "metric %s missing", n)
	}
	assert.Equal(t, float64(2), testutil.ToFloat64(eventsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(currentStates.WithLabelValues("gui", "Working")))
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	require.NoError(t, Register(prometheus.DefaultRegisterer))

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncRestart("x")

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), "procguard_controller_restarts_total")
}

func TestConcurrentIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	regOK.Store(false)
	require.NoError(t, Register(reg))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncRestart("c")
			IncEventRaised(1)
			SetEventsActive(i)
		}()
	}
	wg.Wait()
	_, err := reg.Gather()
	assert.NoError(t, err)
}

func TestHelpersBeforeRegisterAreNoops(t *testing.T) {
	original := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(original)

	before := testutil.ToFloat64(tooManyRestarts.WithLabelValues("noop"))
	assert.NotPanics(t, func() {
		IncStart("noop")
		ObserveLoginDuration("noop", 1)
		RecordStateTransition("noop", "a", "b")
		SetCurrentState("noop", "a", true)
		IncRestart("noop")
		IncTooManyRestarts("noop")
		IncEventRaised(1)
		IncEventAcknowledged("proxy")
		SetEventsActive(1)
	})
	assert.Equal(t, before, testutil.ToFloat64(tooManyRestarts.WithLabelValues("noop")))
}

func TestRegisterError(t *testing.T) {
	original := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(original)

	err := Register(errorRegisterer{})
	require.Error(t, err)
	assert.Equal(t, "test registration error", err.Error())
}

type errorRegisterer struct{}

func (errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}

func (errorRegisterer) MustRegister(...prometheus.Collector) {}

func (errorRegisterer) Unregister(prometheus.Collector) bool { return false }
