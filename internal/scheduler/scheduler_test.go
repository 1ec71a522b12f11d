package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDailyNext(t *testing.T) {
	d, err := NewDaily(3, 0, nil)
	require.NoError(t, err)

	cases := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before trigger", time.Date(2026, 3, 1, 1, 30, 0, 0, time.UTC), time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)},
		{"exactly at trigger", time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)},
		{"after trigger", time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)},
		{"month end", time.Date(2026, 3, 31, 4, 0, 0, 0, time.UTC), time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, d.Next(tc.now))
		})
	}
}

func TestDailyNextConvertsZone(t *testing.T) {
	d, err := NewDaily(3, 0, time.UTC)
	require.NoError(t, err)
	jakarta := time.FixedZone("WIB", 7*3600)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, jakarta)
	assert.True(t, d.Next(now).Equal(time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)))
}

func TestUntilNextUsesSchedulerClock(t *testing.T) {
	trigger, err := NewDaily(2, 0, time.UTC)
	require.NoError(t, err)
	s := New(trigger, zap.NewNop())
	s.clock = func() time.Time { return time.Date(2031, 5, 4, 1, 30, 0, 0, time.UTC) }

	next, wait := s.untilNext()
	assert.Equal(t, time.Date(2031, 5, 4, 2, 0, 0, 0, time.UTC), next)
	assert.Equal(t, 30*time.Minute, wait)
}

func TestNewDailyRejectsOutOfRange(t *testing.T) {
	_, err := NewDaily(24, 0, nil)
	require.Error(t, err)
	_, err = NewDaily(0, 60, nil)
	require.Error(t, err)
}

func TestRunOnceContinuesAfterFailure(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	var ran []string
	s := New(Daily{Hour: 3}, zap.New(core),
		Job{Name: "sweep", Run: func(context.Context) (int64, error) {
			ran = append(ran, "sweep")
			return 0, errors.New("db down")
		}},
		Job{Name: "purge", Run: func(context.Context) (int64, error) {
			ran = append(ran, "purge")
			return 4, nil
		}},
	)

	s.RunOnce(context.Background())

	assert.Equal(t, []string{"sweep", "purge"}, ran)
	assert.Equal(t, 1, logs.FilterMessage("maintenance job failed").Len())
	finished := logs.FilterMessage("maintenance job finished").All()
	require.Len(t, finished, 1)
	assert.Equal(t, int64(4), finished[0].ContextMap()["affected"])
}

func TestStartStop(t *testing.T) {
	s := New(Daily{Hour: 3}, zap.NewNop(), Job{Name: "noop", Run: func(context.Context) (int64, error) {
		return 0, nil
	}})

	require.NoError(t, s.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}
