// Package report turns raw per-station telemetry into a normalized
// monthly energy report: it orchestrates the monitoring client per
// station and month, applies the fallback chain for missing data, and
// aggregates daily readings into weekly, ranking and comparative blocks.
// The resulting MonthlyReport is the immutable hand-off to an external
// renderer.
package report

import (
	"time"

	"github.com/solreport/solreport/internal/metrics"
	"github.com/solreport/solreport/internal/solar"
)

// Request describes one extraction: a station, a month, and whether the
// quota-expensive daily breakdown and previous-month comparison are
// wanted.
type Request struct {
	StationCode string
	Year        int
	Month       time.Month

	// IncludeDaily fetches the per-day breakdown (one extra call via
	// the whole-month endpoint).
	IncludeDaily bool

	// Compare fetches the previous month as a baseline.
	Compare bool

	// CapacityKWp overrides the station-reported capacity. When zero
	// the extractor normalizes the reported value instead.
	CapacityKWp float64
}

// MonthlyReport is the complete normalized output for one station-month.
type MonthlyReport struct {
	ID          string
	GeneratedAt time.Time

	Station     StationInfo
	Period      Period
	Generation  Generation
	Performance Performance
	Economy     Economy
	Environment Environment

	Devices *DeviceSummary
	Alarms  AlarmSummary

	Weekly         []WeeklyBucket
	TopDays        *TopDays
	SpecificEnergy SpecificEnergy

	// Comparison is nil when the previous month could not be fetched
	// or was not requested.
	Comparison *Comparison
}

// StationInfo identifies the reported installation.
type StationInfo struct {
	Code        string
	Name        string
	Address     string
	CapacityKWp float64
	Latitude    float64
	Longitude   float64
}

// Period is the reported month.
type Period struct {
	Year        int
	Month       time.Month
	Label       string
	DaysInMonth int
}

// Generation holds the monthly energy block. The day counters are nil
// (not zero) when no daily data was fetched; when present they sum to
// the days in the month.
type Generation struct {
	Total                 solar.EnergyTotal
	Daily                 []solar.DailyReading
	AverageDailyKWh       float64
	MaxDailyKWh           float64
	MinDailyKWh           float64
	DaysWithGeneration    *int
	DaysWithoutGeneration *int
}

// Performance holds the ratio metrics. Availability is nil without
// daily data.
type Performance struct {
	PerformanceRatio    float64
	TheoreticalKWh      float64
	PeakSunHours        float64
	AvailabilityPercent *float64
}

// Economy is the financial block.
type Economy struct {
	Savings metrics.Savings
	Payback *metrics.Payback
}

// Environment is the avoided-emissions block.
type Environment struct {
	CO2             metrics.CO2
	TreeEquivalents float64
}

// DeviceSummary aggregates the inverter fleet. Devices whose KPI fetch
// failed are omitted, never zero-filled.
type DeviceSummary struct {
	TotalDevices    int
	InverterCount   int
	OnlineInverters int
	TotalDailyKWh   float64
	TotalPowerKW    float64
	AvgTemperature  float64
	MaxTemperature  float64
	Inverters       []InverterStatus
}

// InverterStatus is the per-inverter slice of the summary.
type InverterStatus struct {
	Name         string
	SerialNumber string
	DailyKWh     float64
	PowerKW      float64
	Temperature  float64
	MPPTYields   map[string]float64
	Online       bool
}

// AlarmSummary counts alarms by severity; List holds at most the first
// ten, critical first.
type AlarmSummary struct {
	Total    int
	Critical int
	Warnings int
	List     []solar.Alarm
}

// WeeklyBucket is one of the five fixed day-of-month buckets.
type WeeklyBucket struct {
	Index          int
	FromDay        int
	ToDay          int
	Days           int
	TotalKWh       float64
	AverageKWh     float64
	Revenue        float64
	Rating         string
	MostProductive bool
}

// RankedDay is a day with its revenue, used by the top-day ranking.
type RankedDay struct {
	Day     int
	KWh     float64
	Revenue float64
}

// TopDays ranks the month's days by produced energy.
type TopDays struct {
	Top   []RankedDay // descending, at most five
	Best  *RankedDay
	Worst *RankedDay
}

// SpecificEnergy classifies kWh/kWp into a named performance tier with
// a presentation sentence.
type SpecificEnergy struct {
	KWhPerKWp float64
	Tier      string
	Status    string
}

// Comparison is the month-over-previous-month block.
type Comparison struct {
	PreviousLabel string
	PreviousKWh   float64
	DeltaKWh      float64
	Percent       float64
}
