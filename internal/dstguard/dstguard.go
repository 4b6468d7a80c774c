// Package dstguard keeps scheduled sends away from daylight-saving
// transitions, where a wall-clock time may be skipped or repeated.
package dstguard

import (
	"context"
	"fmt"
	"time"

	"github.com/dharsanguruparan/capsulenote/internal/logging"
)

// Kind names the direction of a transition.
type Kind string

const (
	KindNone          Kind = "none"
	KindSpringForward Kind = "SPRING_FORWARD"
	KindFallBack      Kind = "FALL_BACK"
)

// DefaultBuffer is how close to a transition an instant must be to get moved.
const DefaultBuffer = 3 * time.Hour

// Transition is the result of CheckTransition.
type Transition struct {
	InWindow  bool
	Kind      Kind
	At        *time.Time
	Suggested *time.Time
	Message   string
}

// Guard checks instants against the zone's offset changes.
type Guard struct {
	log    logging.Logger
	buffer time.Duration
}

// New returns a Guard with the default buffer.
func New(log logging.Logger) *Guard {
	if log == nil {
		log = logging.Nop()
	}
	return &Guard{log: log, buffer: DefaultBuffer}
}

// CheckTransition reports whether t falls within the buffer of a DST
// transition in zone, or on a local time the transition skipped.
func (g *Guard) CheckTransition(t time.Time, zone string) (Transition, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Transition{}, fmt.Errorf("load zone %q: %w", zone, err)
	}
	offset := func(at time.Time) int {
		_, off := at.In(loc).Zone()
		return off
	}

	res := Transition{Kind: KindNone}
	if offset(t.Add(-24*time.Hour)) != offset(t.Add(24*time.Hour)) {
		if at, ok := g.locate(t, loc, offset); ok {
			kind := KindFallBack
			if offset(at) > offset(at.Add(-time.Minute)) {
				kind = KindSpringForward
			}
			res.At = &at
			res.Kind = kind
			if d := t.Sub(at); d >= -g.buffer && d <= g.buffer {
				suggested := at.Add(g.buffer + time.Hour)
				res.InWindow = true
				res.Suggested = &suggested
				res.Message = fmt.Sprintf("%s transition at %s in %s", kind, at.In(loc).Format(time.RFC3339), zone)
			}
		}
	}

	// A local time skipped by spring-forward does not exist; move past it.
	if !res.InWindow && offset(t.Add(time.Hour)) > offset(t.Add(-time.Hour)) {
		suggested := t.Add(time.Hour)
		res.InWindow = true
		res.Kind = KindSpringForward
		res.Suggested = &suggested
		res.Message = fmt.Sprintf("local time near %s does not exist in %s", t.In(loc).Format(time.RFC3339), zone)
	}
	return res, nil
}

// locate scans t's local calendar day hour by hour for the offset change,
// then the neighbouring days, and narrows the hit to the minute.
func (g *Guard) locate(t time.Time, loc *time.Location, offset func(time.Time) int) (time.Time, bool) {
	y, m, d := t.In(loc).Date()
	for _, day := range []int{0, -1, 1} {
		midnight := time.Date(y, m, d+day, 0, 0, 0, 0, loc)
		prev := midnight
		for h := 1; h <= 24; h++ {
			cur := midnight.Add(time.Duration(h) * time.Hour)
			if offset(cur) != offset(prev) {
				for at := prev.Add(time.Minute); !at.After(cur); at = at.Add(time.Minute) {
					if offset(at) != offset(prev) {
						return at, true
					}
				}
				return cur, true
			}
			prev = cur
		}
	}
	return time.Time{}, false
}

// Adjust returns the suggested instant when t is inside a transition window,
// otherwise t. Failures are logged and t is returned unchanged.
func (g *Guard) Adjust(ctx context.Context, t time.Time, zone string) time.Time {
	res, err := g.CheckTransition(t, zone)
	if err != nil {
		g.log.Warn(ctx, "dst check failed, keeping requested instant", "zone", zone, "instant", t, "error", err)
		return t
	}
	if res.InWindow && res.Suggested != nil {
		g.log.Info(ctx, "send instant moved off dst transition",
			"zone", zone, "requested", t, "suggested", *res.Suggested, "kind", string(res.Kind))
		return *res.Suggested
	}
	return t
}
