package report

import (
	"sort"

	"github.com/solreport/solreport/internal/metrics"
	"github.com/solreport/solreport/internal/solar"
)

// weeklyBucketCount is the fixed number of day-of-month buckets
// (1-7, 8-14, 15-21, 22-28, 29-end).
const weeklyBucketCount = 5

// RatingBand maps a minimum average daily production to a qualitative
// rating. Bands are evaluated in descending order of Min.
type RatingBand struct {
	Min    float64
	Rating string
}

// DefaultWeeklyBands is the default weekly rating scale, in kWh per day.
func DefaultWeeklyBands() []RatingBand {
	return []RatingBand{
		{Min: 45, Rating: "Excellent"},
		{Min: 40, Rating: "Very good"},
		{Min: 35, Rating: "Good"},
		{Min: 30, Rating: "Fair"},
		{Min: 0, Rating: "Below average"},
	}
}

// TierBand maps a minimum specific energy (kWh/kWp) to a named
// performance tier with a canned presentation sentence.
type TierBand struct {
	Min    float64
	Tier   string
	Status string
}

// DefaultTierBands is the default specific-energy classification.
func DefaultTierBands() []TierBand {
	return []TierBand{
		{Min: 150, Tier: "Excellent", Status: "The system is producing well above the expected level for its capacity."},
		{Min: 120, Tier: "Very good", Status: "The system is comfortably exceeding its expected production."},
		{Min: 100, Tier: "Good", Status: "The system is producing in line with expectations."},
		{Min: 80, Tier: "Within expected", Status: "Production is at the lower end of the expected range."},
		{Min: 0, Tier: "Below expected", Status: "Production is below the expected range; an inspection is recommended."},
	}
}

// ResolveMonthlyTotal picks the monthly energy total from the available
// candidates in priority order: positive daily sum, monthly historical
// KPI, realtime month-to-date, zero. Selection is a pure function of the
// three candidates; the chosen source is recorded as provenance.
func ResolveMonthlyTotal(dailySum, monthlyKPI, realtimeMTD *float64) solar.EnergyTotal {
	if dailySum != nil && *dailySum > 0 {
		return solar.EnergyTotal{KWh: metrics.Round2(*dailySum), Source: solar.SourceMeasured}
	}
	if monthlyKPI != nil && *monthlyKPI > 0 {
		return solar.EnergyTotal{KWh: metrics.Round2(*monthlyKPI), Source: solar.SourceMeasured}
	}
	if realtimeMTD != nil && *realtimeMTD > 0 {
		return solar.EnergyTotal{KWh: metrics.Round2(*realtimeMTD), Source: solar.SourceRealtimeFallback}
	}
	return solar.EnergyTotal{Source: solar.SourceEmptyFallback}
}

// aggregateWeekly groups daily readings into the five fixed buckets and
// flags the one with the highest total as most productive.
func aggregateWeekly(readings []solar.DailyReading, daysInMonth int, tariff float64, bands []RatingBand) []WeeklyBucket {
	buckets := make([]WeeklyBucket, weeklyBucketCount)
	for i := range buckets {
		from := i*7 + 1
		to := from + 6
		if i == weeklyBucketCount-1 {
			to = daysInMonth
		}
		buckets[i] = WeeklyBucket{Index: i + 1, FromDay: from, ToDay: to}
	}

	for _, r := range readings {
		if r.Day < 1 || r.Day > daysInMonth {
			continue
		}
		idx := (r.Day - 1) / 7
		if idx >= weeklyBucketCount {
			idx = weeklyBucketCount - 1
		}
		buckets[idx].Days++
		buckets[idx].TotalKWh += r.KWh
	}

	best := -1
	for i := range buckets {
		b := &buckets[i]
		if b.Days > 0 {
			b.AverageKWh = metrics.Round2(b.TotalKWh / float64(b.Days))
		}
		b.TotalKWh = metrics.Round2(b.TotalKWh)
		b.Revenue = metrics.Round2(b.TotalKWh * tariff)
		b.Rating = rate(b.AverageKWh, bands)

		if b.Days > 0 && (best < 0 || b.TotalKWh > buckets[best].TotalKWh) {
			best = i
		}
	}
	if best >= 0 {
		buckets[best].MostProductive = true
	}
	return buckets
}

// rate returns the rating of the highest band whose minimum is met.
func rate(avgPerDay float64, bands []RatingBand) string {
	sorted := make([]RatingBand, len(bands))
	copy(sorted, bands)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min > sorted[j].Min })

	for _, b := range sorted {
		if avgPerDay >= b.Min {
			return b.Rating
		}
	}
	if len(sorted) == 0 {
		return ""
	}
	return sorted[len(sorted)-1].Rating
}

// rankDays sorts the readings descending by energy, keeping the top
// five plus the single best and worst generating days.
func rankDays(readings []solar.DailyReading, tariff float64) *TopDays {
	if len(readings) == 0 {
		return nil
	}

	ranked := make([]RankedDay, 0, len(readings))
	for _, r := range readings {
		ranked = append(ranked, RankedDay{
			Day:     r.Day,
			KWh:     metrics.Round2(r.KWh),
			Revenue: metrics.Round2(r.KWh * tariff),
		})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].KWh > ranked[j].KWh })

	top := ranked
	if len(top) > 5 {
		top = top[:5]
	}

	result := &TopDays{Top: top}
	best := ranked[0]
	result.Best = &best

	// Worst is the lowest day that generated anything; a month of
	// zeros has no meaningful worst day.
	for i := len(ranked) - 1; i >= 0; i-- {
		if ranked[i].KWh > 0 {
			worst := ranked[i]
			result.Worst = &worst
			break
		}
	}
	return result
}

// classifySpecificEnergy buckets generated energy per installed kWp into
// a named tier. A non-positive capacity yields an empty classification.
func classifySpecificEnergy(totalKWh, capacityKWp float64, bands []TierBand) SpecificEnergy {
	if capacityKWp <= 0 {
		return SpecificEnergy{}
	}

	specific := metrics.Round2(totalKWh / capacityKWp)

	sorted := make([]TierBand, len(bands))
	copy(sorted, bands)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min > sorted[j].Min })

	for _, b := range sorted {
		if specific >= b.Min {
			return SpecificEnergy{KWhPerKWp: specific, Tier: b.Tier, Status: b.Status}
		}
	}
	se := SpecificEnergy{KWhPerKWp: specific}
	if len(sorted) > 0 {
		last := sorted[len(sorted)-1]
		se.Tier, se.Status = last.Tier, last.Status
	}
	return se
}

// summarizeAlarms splits alarms into critical and warnings and keeps at
// most the first ten, critical first.
func summarizeAlarms(alarms []solar.Alarm) AlarmSummary {
	if len(alarms) == 0 {
		return AlarmSummary{}
	}
	summary := AlarmSummary{Total: len(alarms)}

	var critical, warnings []solar.Alarm
	for _, a := range alarms {
		if a.Critical() {
			critical = append(critical, a)
		} else {
			warnings = append(warnings, a)
		}
	}
	summary.Critical = len(critical)
	summary.Warnings = len(warnings)

	combined := make([]solar.Alarm, 0, len(alarms))
	combined = append(combined, critical...)
	combined = append(combined, warnings...)
	if len(combined) > 10 {
		combined = combined[:10]
	}
	summary.List = combined
	return summary
}
