package mailcalc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/capsulenote/internal/model"
)

func TestRegionOf(t *testing.T) {
	cases := map[string]Region{
		"":    Domestic,
		"us":  Domestic,
		" CA": NorthAmerica,
		"gb":  Europe,
		"UK":  Europe,
		"JP":  AsiaPacific,
		"BR":  Other,
	}
	for in, want := range cases {
		assert.Equal(t, want, RegionOf(in), "country %q", in)
	}
}

func TestEstimateFor(t *testing.T) {
	tests := []struct {
		name     string
		mailType model.MailType
		country  string
		total    int
		class    model.MailType
	}{
		{"domestic first class", model.MailFirstClass, "US", 10, model.MailFirstClass},
		{"domestic standard", model.MailStandard, "US", 14, model.MailStandard},
		{"europe forces first class", model.MailStandard, "GB", 19, model.MailFirstClass},
		{"north america", model.MailFirstClass, "CA", 17, model.MailFirstClass},
		{"asia pacific", model.MailFirstClass, "AU", 22, model.MailFirstClass},
		{"other", model.MailFirstClass, "ZA", 24, model.MailFirstClass},
		{"unset class", "", "", 10, model.MailFirstClass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := EstimateFor(tt.mailType, tt.country)
			assert.Equal(t, tt.total, e.TotalLeadDays)
			assert.Equal(t, tt.class, e.MailType)
			assert.Equal(t, EarlyArrivalDays, e.EarlyArrivalDays)
		})
	}
}

func TestArriveBy_OnTime(t *testing.T) {
	now := time.Date(2025, 11, 1, 12, 0, 0, 0, time.UTC)
	target := time.Date(2025, 12, 25, 0, 0, 0, 0, time.UTC)

	p := ArriveBy(target, model.MailFirstClass, "US", now)
	assert.False(t, p.TooLate)
	assert.Nil(t, p.EarliestArrival)
	assert.Equal(t, time.Date(2025, 12, 15, 0, 0, 0, 0, time.UTC), p.SendDate)
}

func TestArriveBy_TooLate(t *testing.T) {
	now := time.Date(2025, 12, 20, 12, 0, 0, 0, time.UTC)
	target := time.Date(2025, 12, 25, 0, 0, 0, 0, time.UTC)

	p := ArriveBy(target, model.MailFirstClass, "GB", now)
	require.True(t, p.TooLate)
	assert.Equal(t, now.Add(MinLead), p.SendDate)
	require.NotNil(t, p.EarliestArrival)
	assert.Equal(t, now.AddDate(0, 0, 19), *p.EarliestArrival)
	assert.True(t, p.International())
}

func TestScheduleDate(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	selected := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, selected, ScheduleDate(model.MailSendOn, selected, model.MailStandard, "US", now))
	assert.Equal(t, selected.AddDate(0, 0, -14), ScheduleDate(model.MailArriveBy, selected, model.MailStandard, "US", now))
	assert.Equal(t, 14, MinimumLeadDays(model.MailStandard, "US"))
}
