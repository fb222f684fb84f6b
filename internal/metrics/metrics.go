// Package metrics provides the financial, environmental and performance
// formulas used by the monthly report pipeline. All functions are
// stateless; degenerate inputs (zero or negative denominators) yield 0.0
// with a logged warning instead of an error.
package metrics

import (
	"math"

	"github.com/rs/zerolog"
)

// Default constants, overridable through configuration.
const (
	// DefaultTariffPerKWh is the energy tariff in currency units per kWh.
	DefaultTariffPerKWh = 0.887

	// DefaultEmissionFactor is the grid emission factor in tCO2/MWh.
	DefaultEmissionFactor = 0.0817

	// DefaultTreeAbsorptionKgYear is the CO2 a single tree absorbs per
	// year, in kg.
	DefaultTreeAbsorptionKgYear = 163.0
)

// Calculator evaluates report metrics with an injected logger.
type Calculator struct {
	logger zerolog.Logger
}

// NewCalculator creates a Calculator that logs degenerate inputs through
// the given logger.
func NewCalculator(logger zerolog.Logger) *Calculator {
	return &Calculator{logger: logger}
}

// Savings is the financial outcome of a month of generation.
type Savings struct {
	Monthly float64
	Annual  float64
	Tariff  float64
}

// FinancialSavings computes the monthly saving as energy times tariff and
// projects it over twelve months.
func (c *Calculator) FinancialSavings(kwh, tariffPerKWh float64) Savings {
	monthly := kwh * tariffPerKWh
	return Savings{
		Monthly: Round2(monthly),
		Annual:  Round2(monthly * 12),
		Tariff:  tariffPerKWh,
	}
}

// CO2 is the avoided emissions for a month of generation.
type CO2 struct {
	Kg             float64
	Tons           float64
	EmissionFactor float64
}

// CO2Avoided converts generated energy to avoided emissions using an
// emission factor in tCO2/MWh.
func (c *Calculator) CO2Avoided(kwh, emissionFactor float64) CO2 {
	tons := (kwh / 1000) * emissionFactor
	return CO2{
		Kg:             Round2(tons * 1000),
		Tons:           Round4(tons),
		EmissionFactor: emissionFactor,
	}
}

// TreeEquivalents converts avoided CO2 in kg to the number of trees that
// would absorb it in a year.
func (c *Calculator) TreeEquivalents(co2Kg, perTreeKgYear float64) float64 {
	if perTreeKgYear <= 0 {
		c.logger.Warn().
			Float64("per_tree_kg_year", perTreeKgYear).
			Msg("tree absorption constant must be positive")
		return 0.0
	}
	return Round1(co2Kg / perTreeKgYear)
}

// PerformanceRatio returns measured over theoretical energy as a percent.
// A non-positive theoretical energy yields 0.0, never an error.
func (c *Calculator) PerformanceRatio(realKWh, theoreticalKWh float64) float64 {
	if theoreticalKWh <= 0 {
		c.logger.Warn().
			Float64("theoretical_kwh", theoreticalKWh).
			Msg("theoretical energy must be positive for performance ratio")
		return 0.0
	}
	return Round2(realKWh / theoreticalKWh * 100)
}

// PeakSunHours returns the equivalent hours of peak irradiance for the
// period. A non-positive installed capacity yields 0.0.
func (c *Calculator) PeakSunHours(kwh, installedKWp float64) float64 {
	if installedKWp <= 0 {
		c.logger.Warn().
			Float64("installed_kwp", installedKWp).
			Msg("installed capacity must be positive for peak sun hours")
		return 0.0
	}
	return Round2(kwh / installedKWp)
}

// Comparison is a month-over-month delta.
type Comparison struct {
	Current  float64
	Previous float64
	DeltaKWh float64
	Percent  float64
}

// Compare computes the delta between two monthly totals. When the previous
// value is non-positive the percent is defined as 100 if the current value
// is positive and 0 otherwise; this is explicit policy, not a division.
func (c *Calculator) Compare(current, previous float64) Comparison {
	if previous <= 0 {
		percent := 0.0
		if current > 0 {
			percent = 100.0
		}
		return Comparison{
			Current:  Round2(current),
			Previous: Round2(previous),
			DeltaKWh: Round2(current),
			Percent:  percent,
		}
	}

	delta := current - previous
	return Comparison{
		Current:  Round2(current),
		Previous: Round2(previous),
		DeltaKWh: Round2(delta),
		Percent:  Round2(delta / previous * 100),
	}
}

// Payback is the simple payback horizon of the system investment.
type Payback struct {
	Months float64
	Years  float64
}

// SimplePayback divides the system cost by the monthly saving. A
// non-positive saving yields zeros.
func (c *Calculator) SimplePayback(systemCost, monthlySavings float64) Payback {
	if monthlySavings <= 0 {
		c.logger.Warn().
			Float64("monthly_savings", monthlySavings).
			Msg("monthly savings must be positive for payback")
		return Payback{}
	}
	months := systemCost / monthlySavings
	return Payback{
		Months: Round1(months),
		Years:  Round2(months / 12),
	}
}

// Round2 rounds to 2 decimal places, used for currency and energy values.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Round1 rounds to 1 decimal place, used for ratios and counts.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Round4 rounds to 4 decimal places, used for tonne-scale CO2 figures.
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
