package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	first := RoleAssignments
	Init()
	assert.Same(t, first, RoleAssignments)
	require.NotNil(t, ProvisionDuration)
	require.NotNil(t, PendingRecords)
}

func TestObserveProvisionCountsOutcome(t *testing.T) {
	Init()
	attempts := testutil.ToFloat64(ProvisionAttempts)
	before := testutil.ToFloat64(ProvisionOutcomes.WithLabelValues(OutcomeChannelError))

	ObserveProvision(OutcomeChannelError, 250*time.Millisecond)

	assert.Equal(t, attempts+1, testutil.ToFloat64(ProvisionAttempts))
	assert.Equal(t, before+1, testutil.ToFloat64(ProvisionOutcomes.WithLabelValues(OutcomeChannelError)))
}

func TestCounterHelpers(t *testing.T) {
	Init()
	joins := testutil.ToFloat64(MemberJoins.WithLabelValues("synced"))
	assigns := testutil.ToFloat64(RoleAssignments.WithLabelValues(OutcomeFailed))
	cycles := testutil.ToFloat64(ReconcileCycles)
	comps := testutil.ToFloat64(Compensations)

	IncMemberJoin("synced")
	IncRoleAssignment(OutcomeFailed)
	IncReconcileCycle()
	IncCompensation()
	SetPendingRecords(7)

	assert.Equal(t, joins+1, testutil.ToFloat64(MemberJoins.WithLabelValues("synced")))
	assert.Equal(t, assigns+1, testutil.ToFloat64(RoleAssignments.WithLabelValues(OutcomeFailed)))
	assert.Equal(t, cycles+1, testutil.ToFloat64(ReconcileCycles))
	assert.Equal(t, comps+1, testutil.ToFloat64(Compensations))
	assert.Equal(t, float64(7), testutil.ToFloat64(PendingRecords))
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_duration_seconds", Help: "Test duration"})
	executed := false
	d := TimeFunc(h, func() {
		time.Sleep(5 * time.Millisecond)
		executed = true
	})
	assert.True(t, executed)
	assert.GreaterOrEqual(t, d, 5*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(h))
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetCorrelation(ctx))
	assert.Same(t, slog.Default(), LoggerWithCorr(ctx))

	ctx = WithCorrelation(ctx, "abc")
	assert.Equal(t, "abc", GetCorrelation(ctx))
	assert.NotSame(t, slog.Default(), LoggerWithCorr(ctx))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in    string
		want  slog.Level
		known bool
	}{
		{"", slog.LevelInfo, true},
		{"debug", slog.LevelDebug, true},
		{"WARN", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"loud", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, known := ParseLevel(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.known, known)
		})
	}
}

func TestInitLoggingFormats(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	initLogging(&buf, "debug", "json")
	slog.Debug("hello", slog.String("k", "v"))
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"k":"v"`)

	buf.Reset()
	initLogging(&buf, "bogus", "text")
	assert.Contains(t, buf.String(), "unknown LOG_LEVEL")
	slog.Debug("hidden")
	assert.NotContains(t, buf.String(), "hidden")
}

func TestSpansWithoutProvider(t *testing.T) {
	shutdown, err := InitTracing("", "guildsync", "test")
	require.NoError(t, err)
	shutdown()
	assert.False(t, IsTracingEnabled())

	ctx, span := StartSpan(WithCorrelation(context.Background(), "c1"), "test.span")
	require.NotNil(t, ctx)
	EndSpan(span, errors.New("boom"))
}
