// Package mailcalc computes when a physical letter must be handed to the
// carrier so that it arrives by a target date.
//
// Transit figures are conservative upper bounds for USPS classes as published
// by the print-and-mail provider. Letters are planned to land EarlyArrivalDays
// before the target, never on it.
package mailcalc

import (
	"strings"
	"time"

	"github.com/dharsanguruparan/capsulenote/internal/model"
)

// EarlyArrivalDays is the margin between planned arrival and the target date.
const EarlyArrivalDays = 2

// MinLead is how far in the future the earliest ship date may be.
const MinLead = 5 * time.Minute

// Region groups destination countries with similar transit behaviour.
type Region string

const (
	Domestic     Region = "domestic"
	NorthAmerica Region = "north_america"
	Europe       Region = "europe"
	AsiaPacific  Region = "asia_pacific"
	Other        Region = "other"
)

type classEstimate struct {
	transit int
	buffer  int
}

var domestic = map[model.MailType]classEstimate{
	model.MailFirstClass: {transit: 5, buffer: 3},
	model.MailStandard:   {transit: 8, buffer: 4},
}

var internationalExtra = map[Region]int{
	NorthAmerica: 5,
	Europe:       7,
	AsiaPacific:  10,
	Other:        12,
}

// internationalBuffer covers the weaker tracking outside the US.
const internationalBuffer = 2

var countries = map[string]Region{
	"US": Domestic,
	"CA": NorthAmerica, "MX": NorthAmerica,
	"GB": Europe, "UK": Europe, "DE": Europe, "FR": Europe, "IT": Europe, "ES": Europe,
	"NL": Europe, "BE": Europe, "AT": Europe, "CH": Europe, "IE": Europe, "PT": Europe,
	"SE": Europe, "NO": Europe, "DK": Europe, "FI": Europe, "PL": Europe,
	"AU": AsiaPacific, "NZ": AsiaPacific, "JP": AsiaPacific, "KR": AsiaPacific,
	"SG": AsiaPacific, "HK": AsiaPacific, "TW": AsiaPacific,
}

// RegionOf maps an ISO 3166-1 alpha-2 code to its Region. An empty code is
// treated as domestic, an unlisted one as Other.
func RegionOf(country string) Region {
	code := strings.ToUpper(strings.TrimSpace(country))
	if code == "" {
		return Domestic
	}
	if r, ok := countries[code]; ok {
		return r
	}
	return Other
}

// Estimate is the lead time breakdown for one class and destination.
type Estimate struct {
	MailType         model.MailType
	Region           Region
	TransitDays      int
	BufferDays       int
	EarlyArrivalDays int
	TotalLeadDays    int
}

// International reports whether the destination is outside the US.
func (e Estimate) International() bool { return e.Region != Domestic }

// EstimateFor returns the lead time for mailType to country. International
// destinations are always first class.
func EstimateFor(mailType model.MailType, country string) Estimate {
	region := RegionOf(country)
	if region != Domestic || mailType == "" {
		mailType = model.MailFirstClass
	}
	base, ok := domestic[mailType]
	if !ok {
		mailType = model.MailFirstClass
		base = domestic[mailType]
	}
	e := Estimate{
		MailType:         mailType,
		Region:           region,
		TransitDays:      base.transit,
		BufferDays:       base.buffer,
		EarlyArrivalDays: EarlyArrivalDays,
	}
	if region != Domestic {
		e.TransitDays += internationalExtra[region]
		e.BufferDays += internationalBuffer
	}
	e.TotalLeadDays = e.TransitDays + e.BufferDays + e.EarlyArrivalDays
	return e
}

// Plan is the outcome of an arrive-by calculation.
type Plan struct {
	Estimate
	Target   time.Time
	SendDate time.Time
	// TooLate is set when the ship date would fall before now+MinLead. SendDate
	// is then clamped to now+MinLead and EarliestArrival is populated.
	TooLate         bool
	EarliestArrival *time.Time
}

// ArriveBy computes the ship date for a letter that must arrive by target.
func ArriveBy(target time.Time, mailType model.MailType, country string, now time.Time) Plan {
	est := EstimateFor(mailType, country)
	p := Plan{
		Estimate: est,
		Target:   target,
		SendDate: target.AddDate(0, 0, -est.TotalLeadDays),
	}
	if p.SendDate.Before(now.Add(MinLead)) {
		earliest := now.AddDate(0, 0, est.TotalLeadDays)
		p.TooLate = true
		p.SendDate = now.Add(MinLead)
		p.EarliestArrival = &earliest
	}
	return p
}

// ScheduleDate returns the instant the carrier should be invoked for mode.
// Only arrive-by shifts the date.
func ScheduleDate(mode model.MailMode, selected time.Time, mailType model.MailType, country string, now time.Time) time.Time {
	if mode != model.MailArriveBy {
		return selected
	}
	return ArriveBy(selected, mailType, country, now).SendDate
}

// MinimumLeadDays is the smallest number of days ahead an arrive-by target
// may be chosen.
func MinimumLeadDays(mailType model.MailType, country string) int {
	return EstimateFor(mailType, country).TotalLeadDays
}
