package dstguard

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/capsulenote/internal/logging"
)

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestCheckTransition_SpringForward(t *testing.T) {
	g := New(logging.Nop())
	ny := mustZone(t, "America/New_York")
	// 02:30 EST on 2024-03-10 does not exist; clocks jump 02:00 -> 03:00 at 07:00 UTC.
	requested := time.Date(2024, 3, 10, 7, 30, 0, 0, time.UTC)

	res, err := g.CheckTransition(requested, "America/New_York")
	require.NoError(t, err)
	assert.True(t, res.InWindow)
	assert.Equal(t, KindSpringForward, res.Kind)
	require.NotNil(t, res.At)
	assert.True(t, res.At.Equal(time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC)))

	require.NotNil(t, res.Suggested)
	threeAMPlusBuffer := time.Date(2024, 3, 10, 3, 0, 0, 0, ny).Add(DefaultBuffer)
	assert.True(t, res.Suggested.After(threeAMPlusBuffer), "suggested %s", res.Suggested.In(ny))
}

func TestCheckTransition_FallBack(t *testing.T) {
	g := New(logging.Nop())
	// 01:30 EDT on 2024-11-03, thirty minutes before clocks fall back.
	requested := time.Date(2024, 11, 3, 5, 30, 0, 0, time.UTC)

	res, err := g.CheckTransition(requested, "America/New_York")
	require.NoError(t, err)
	assert.True(t, res.InWindow)
	assert.Equal(t, KindFallBack, res.Kind)
	require.NotNil(t, res.Suggested)
	assert.True(t, res.Suggested.Equal(time.Date(2024, 11, 3, 10, 0, 0, 0, time.UTC)))
}

func TestCheckTransition_OutsideWindow(t *testing.T) {
	g := New(logging.Nop())
	cases := []struct {
		name string
		at   time.Time
		zone string
	}{
		{"transition day but hours later", time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC), "America/New_York"},
		{"summer", time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC), "America/New_York"},
		{"no dst zone", time.Date(2024, 3, 10, 7, 30, 0, 0, time.UTC), "Asia/Tokyo"},
		{"utc", time.Date(2024, 3, 31, 1, 0, 0, 0, time.UTC), "UTC"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := g.CheckTransition(tc.at, tc.zone)
			require.NoError(t, err)
			assert.False(t, res.InWindow)
			assert.Nil(t, res.Suggested)
		})
	}
}

func TestCheckTransition_EuropeLondon(t *testing.T) {
	g := New(logging.Nop())
	// BST starts 2024-03-31 at 01:00 UTC.
	res, err := g.CheckTransition(time.Date(2024, 3, 31, 2, 0, 0, 0, time.UTC), "Europe/London")
	require.NoError(t, err)
	assert.True(t, res.InWindow)
	assert.Equal(t, KindSpringForward, res.Kind)
	assert.True(t, res.Suggested.Equal(time.Date(2024, 3, 31, 5, 0, 0, 0, time.UTC)))
}

func TestAdjust(t *testing.T) {
	g := New(logging.Nop())
	requested := time.Date(2024, 3, 10, 7, 30, 0, 0, time.UTC)
	got := g.Adjust(context.Background(), requested, "America/New_York")
	assert.True(t, got.Equal(time.Date(2024, 3, 10, 11, 0, 0, 0, time.UTC)))

	quiet := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, g.Adjust(context.Background(), quiet, "America/New_York").Equal(quiet))
}

func TestAdjust_FailsOpen(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	g := New(log)

	requested := time.Date(2024, 3, 10, 7, 30, 0, 0, time.UTC)
	got := g.Adjust(context.Background(), requested, "Mars/Olympus_Mons")
	assert.True(t, got.Equal(requested))
	assert.Contains(t, buf.String(), "level=WARN")
}
