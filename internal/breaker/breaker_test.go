package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/toolbroker/orchestrator/internal/toolerrors"
)

func fixedConfig(threshold int, cooldown time.Duration) func(string) Config {
	return func(string) Config { return Config{FailureThreshold: threshold, Cooldown: cooldown} }
}

func TestClosedAllowsCallsUntilThreshold(t *testing.T) {
	r := NewRegistry(fixedConfig(3, time.Second))
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		err := r.Execute(context.Background(), "srv-1", func(context.Context) error { return boom })
		require.ErrorIs(t, err, boom)
	}
	require.Equal(t, StateClosed, r.State("srv-1"))
}

func TestTripsOpenAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry(fixedConfig(3, time.Second))
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = r.Execute(context.Background(), "srv-1", func(context.Context) error { return boom })
	}
	require.Equal(t, StateOpen, r.State("srv-1"))

	err := r.Execute(context.Background(), "srv-1", func(context.Context) error {
		t.Fatal("thunk must not run while open")
		return nil
	})
	var terr *toolerrors.Error
	require.True(t, errors.As(err, &terr))
	require.Equal(t, toolerrors.KindCircuitOpen, terr.Kind)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	r := NewRegistry(fixedConfig(3, time.Second))
	boom := errors.New("boom")

	_ = r.Execute(context.Background(), "srv-1", func(context.Context) error { return boom })
	_ = r.Execute(context.Background(), "srv-1", func(context.Context) error { return nil })
	_ = r.Execute(context.Background(), "srv-1", func(context.Context) error { return boom })
	_ = r.Execute(context.Background(), "srv-1", func(context.Context) error { return boom })

	require.Equal(t, StateClosed, r.State("srv-1"))
}

func TestHalfOpenAllowsSingleProbeAndRecoversOnSuccess(t *testing.T) {
	r := NewRegistry(fixedConfig(1, 10*time.Millisecond))
	boom := errors.New("boom")

	_ = r.Execute(context.Background(), "srv-1", func(context.Context) error { return boom })
	require.Equal(t, StateOpen, r.State("srv-1"))

	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, r.State("srv-1"))

	err := r.Execute(context.Background(), "srv-1", func(context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, StateClosed, r.State("srv-1"))
}

func TestHalfOpenReopensOnProbeFailure(t *testing.T) {
	r := NewRegistry(fixedConfig(1, 10*time.Millisecond))
	boom := errors.New("boom")

	_ = r.Execute(context.Background(), "srv-1", func(context.Context) error { return boom })
	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, r.State("srv-1"))

	err := r.Execute(context.Background(), "srv-1", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, StateOpen, r.State("srv-1"))
}

func TestIndependentBreakersPerServer(t *testing.T) {
	r := NewRegistry(fixedConfig(1, time.Minute))
	boom := errors.New("boom")

	_ = r.Execute(context.Background(), "srv-1", func(context.Context) error { return boom })
	require.Equal(t, StateOpen, r.State("srv-1"))
	require.Equal(t, StateClosed, r.State("srv-2"))
}

type fakeGaugeMetrics struct {
	values []float64
}

func (f *fakeGaugeMetrics) IncCounter(string, float64, ...string)        {}
func (f *fakeGaugeMetrics) RecordTimer(string, time.Duration, ...string) {}
func (f *fakeGaugeMetrics) RecordGauge(name string, value float64, tags ...string) {
	if name == "breaker.state" {
		f.values = append(f.values, value)
	}
}

func TestExecuteRecordsStateGaugeOnTrip(t *testing.T) {
	metrics := &fakeGaugeMetrics{}
	r := NewRegistry(fixedConfig(1, time.Second), WithMetrics(metrics))
	boom := errors.New("boom")

	_ = r.Execute(context.Background(), "srv-1", func(context.Context) error { return boom })

	require.NotEmpty(t, metrics.values)
	require.Equal(t, stateValue(StateOpen), metrics.values[len(metrics.values)-1])
}
