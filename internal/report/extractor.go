package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/solreport/solreport/internal/metrics"
	"github.com/solreport/solreport/internal/solar"
	"github.com/solreport/solreport/internal/solar/fusionsolar"
)

// MonitoringClient is the slice of the API client the extractor needs.
type MonitoringClient interface {
	StationList(ctx context.Context) ([]solar.Station, error)
	StationRealtime(ctx context.Context, stationCode string) (*solar.RealtimeKPI, error)
	StationMonthKPI(ctx context.Context, stationCode string, year int, month time.Month) (float64, bool, error)
	StationMonthDailyKPI(ctx context.Context, stationCode string, year int, month time.Month) ([]solar.DailyReading, error)
	DeviceList(ctx context.Context, stationCode string) ([]solar.Device, error)
	DeviceRealtimeKPI(ctx context.Context, deviceID int64, devTypeID int) (*solar.DeviceKPI, error)
	AlarmList(ctx context.Context, stationCode string, from, to time.Time) ([]solar.Alarm, error)
}

// ExtractorConfig holds configuration for the extractor. Zero values
// fall back to the documented defaults.
type ExtractorConfig struct {
	Client MonitoringClient
	Logger zerolog.Logger

	// TariffPerKWh prices generated energy.
	TariffPerKWh float64

	// EmissionFactor is the grid emission factor in tCO2/MWh.
	EmissionFactor float64

	// TreeAbsorptionKgYear converts avoided CO2 into tree equivalents.
	TreeAbsorptionKgYear float64

	// MeanSunHours is the assumed daily peak-sun-hours used to derive
	// the theoretical energy (default: 4.5).
	MeanSunHours float64

	// CapacityMWCutoff drives the capacity-unit heuristic: a reported
	// capacity below the cutoff is assumed to be MW and converted to
	// kWp (default: 100). The live API contract should confirm this.
	CapacityMWCutoff float64

	// SystemCost, when positive, enables the payback block.
	SystemCost float64

	// WeeklyBands and TierBands override the rating scales.
	WeeklyBands []RatingBand
	TierBands   []TierBand
}

// Extractor orchestrates client calls per station and month and builds
// MonthlyReports. It keeps an in-memory copy of the station list for
// the lifetime of the instance; it is not safe for concurrent use.
type Extractor struct {
	client MonitoringClient
	calc   *metrics.Calculator
	logger zerolog.Logger
	cfg    ExtractorConfig

	stations []solar.Station
}

// NewExtractor creates an extractor.
func NewExtractor(cfg ExtractorConfig) *Extractor {
	if cfg.TariffPerKWh == 0 {
		cfg.TariffPerKWh = metrics.DefaultTariffPerKWh
	}
	if cfg.EmissionFactor == 0 {
		cfg.EmissionFactor = metrics.DefaultEmissionFactor
	}
	if cfg.TreeAbsorptionKgYear == 0 {
		cfg.TreeAbsorptionKgYear = metrics.DefaultTreeAbsorptionKgYear
	}
	if cfg.MeanSunHours == 0 {
		cfg.MeanSunHours = 4.5
	}
	if cfg.CapacityMWCutoff == 0 {
		cfg.CapacityMWCutoff = 100
	}
	if len(cfg.WeeklyBands) == 0 {
		cfg.WeeklyBands = DefaultWeeklyBands()
	}
	if len(cfg.TierBands) == 0 {
		cfg.TierBands = DefaultTierBands()
	}

	return &Extractor{
		client: cfg.Client,
		calc:   metrics.NewCalculator(cfg.Logger),
		logger: cfg.Logger,
		cfg:    cfg,
	}
}

// MonthlyReport extracts and aggregates one station-month. Station-list
// and authentication failures abort; every other sub-fetch degrades
// with explicit provenance or nil markers.
func (e *Extractor) MonthlyReport(ctx context.Context, req Request) (*MonthlyReport, error) {
	return e.extract(ctx, req, req.Compare)
}

func (e *Extractor) extract(ctx context.Context, req Request, withComparison bool) (*MonthlyReport, error) {
	log := e.logger.With().
		Str("station", req.StationCode).
		Int("year", req.Year).
		Str("month", req.Month.String()).
		Logger()
	log.Info().Msg("extracting monthly data")

	station, err := e.station(ctx, req.StationCode)
	if err != nil {
		return nil, err
	}

	capacityKWp := e.normalizeCapacity(req.CapacityKWp, station.Capacity, log)
	daysInMonth := daysIn(req.Year, req.Month)

	// Primary KPI source: the historical monthly total.
	monthKWh, monthOK, err := e.client.StationMonthKPI(ctx, req.StationCode, req.Year, req.Month)
	if err != nil {
		return nil, err // only auth errors escape the soft client call
	}

	// Optional daily breakdown via the whole-month endpoint.
	var readings []solar.DailyReading
	dailyFetched := false
	if req.IncludeDaily {
		readings, err = e.client.StationMonthDailyKPI(ctx, req.StationCode, req.Year, req.Month)
		if err != nil {
			if isHardErr(err) {
				return nil, err
			}
			log.Warn().Err(err).Msg("daily breakdown unavailable, continuing without it")
		} else {
			dailyFetched = true
		}
	}

	var dailySum *float64
	if dailyFetched {
		sum := 0.0
		for _, r := range readings {
			sum += r.KWh
		}
		dailySum = &sum
	}

	var monthlyKPI *float64
	if monthOK {
		monthlyKPI = &monthKWh
	}

	// Realtime month-to-date is only worth a quota call when the
	// primary sources came back empty.
	var realtimeMTD *float64
	if (dailySum == nil || *dailySum <= 0) && (monthlyKPI == nil || *monthlyKPI <= 0) {
		rt, err := e.client.StationRealtime(ctx, req.StationCode)
		if err != nil {
			return nil, err
		}
		if rt != nil && rt.MonthEnergy > 0 {
			realtimeMTD = &rt.MonthEnergy
			log.Info().Float64("month_to_date_kwh", rt.MonthEnergy).
				Msg("primary sources empty, using realtime month-to-date")
		}
	}

	total := ResolveMonthlyTotal(dailySum, monthlyKPI, realtimeMTD)
	log.Info().
		Float64("total_kwh", total.KWh).
		Str("source", string(total.Source)).
		Msg("monthly total resolved")

	rep := &MonthlyReport{
		ID:          uuid.NewString(),
		GeneratedAt: time.Now(),
		Station: StationInfo{
			Code:        station.Code,
			Name:        station.Name,
			Address:     station.Address,
			CapacityKWp: capacityKWp,
			Latitude:    station.Latitude,
			Longitude:   station.Longitude,
		},
		Period: Period{
			Year:        req.Year,
			Month:       req.Month,
			Label:       periodLabel(req.Year, req.Month),
			DaysInMonth: daysInMonth,
		},
	}

	rep.Generation = e.generation(total, readings, dailyFetched, daysInMonth)
	rep.Performance = e.performance(total.KWh, capacityKWp, daysInMonth, rep.Generation.DaysWithGeneration)
	rep.Economy = e.economy(total.KWh)
	rep.Environment = e.environment(total.KWh)
	rep.SpecificEnergy = classifySpecificEnergy(total.KWh, capacityKWp, e.cfg.TierBands)

	if dailyFetched {
		rep.Weekly = aggregateWeekly(readings, daysInMonth, e.cfg.TariffPerKWh, e.cfg.WeeklyBands)
		rep.TopDays = rankDays(readings, e.cfg.TariffPerKWh)
	}

	rep.Devices = e.deviceSummary(ctx, req.StationCode, log)
	rep.Alarms = e.alarms(ctx, req.StationCode, req.Year, req.Month, log)

	if withComparison {
		rep.Comparison = e.comparison(ctx, req, total.KWh, log)
	}

	return rep, nil
}

// station resolves a station from the memoized account list. A code
// missing from the list degrades to a bare record, not an error; only
// the list fetch itself is fatal.
func (e *Extractor) station(ctx context.Context, code string) (solar.Station, error) {
	if e.stations == nil {
		stations, err := e.client.StationList(ctx)
		if err != nil {
			return solar.Station{}, fmt.Errorf("station list: %w", err)
		}
		e.stations = stations
	}

	for _, s := range e.stations {
		if s.Code == code {
			return s, nil
		}
	}

	e.logger.Warn().Str("station", code).Msg("station not in account list, using bare record")
	return solar.Station{Code: code}, nil
}

// normalizeCapacity converts the station-reported capacity to kWp. An
// explicit caller value always wins. Reported values below the cutoff
// are assumed to be MW and scaled; this heuristic is configured, not
// hard-coded, because it is fragile.
func (e *Extractor) normalizeCapacity(explicit, reported float64, log zerolog.Logger) float64 {
	if explicit > 0 {
		return explicit
	}
	if reported <= 0 {
		return 0
	}
	if reported < e.cfg.CapacityMWCutoff {
		kwp := reported * 1000
		log.Debug().
			Float64("reported", reported).
			Float64("kwp", kwp).
			Msg("reported capacity assumed to be MW, converted to kWp")
		return kwp
	}
	return reported
}

func (e *Extractor) generation(total solar.EnergyTotal, readings []solar.DailyReading, dailyFetched bool, daysInMonth int) Generation {
	gen := Generation{Total: total}

	if !dailyFetched {
		return gen
	}

	gen.Daily = readings

	var sum, maxD, minD float64
	positives := 0
	for _, r := range readings {
		if r.KWh <= 0 {
			continue
		}
		positives++
		sum += r.KWh
		if r.KWh > maxD {
			maxD = r.KWh
		}
		if minD == 0 || r.KWh < minD {
			minD = r.KWh
		}
	}

	if positives > 0 {
		gen.AverageDailyKWh = metrics.Round2(sum / float64(positives))
	}
	gen.MaxDailyKWh = metrics.Round2(maxD)
	gen.MinDailyKWh = metrics.Round2(minD)

	with := positives
	without := daysInMonth - positives
	gen.DaysWithGeneration = &with
	gen.DaysWithoutGeneration = &without
	return gen
}

func (e *Extractor) performance(totalKWh, capacityKWp float64, daysInMonth int, daysWith *int) Performance {
	theoretical := metrics.Round2(capacityKWp * e.cfg.MeanSunHours * float64(daysInMonth))

	perf := Performance{
		TheoreticalKWh:   theoretical,
		PerformanceRatio: e.calc.PerformanceRatio(totalKWh, theoretical),
		PeakSunHours:     e.calc.PeakSunHours(totalKWh, capacityKWp),
	}

	if daysWith != nil && daysInMonth > 0 {
		availability := metrics.Round1(float64(*daysWith) / float64(daysInMonth) * 100)
		perf.AvailabilityPercent = &availability
	}
	return perf
}

func (e *Extractor) economy(totalKWh float64) Economy {
	eco := Economy{Savings: e.calc.FinancialSavings(totalKWh, e.cfg.TariffPerKWh)}
	if e.cfg.SystemCost > 0 && eco.Savings.Monthly > 0 {
		payback := e.calc.SimplePayback(e.cfg.SystemCost, eco.Savings.Monthly)
		eco.Payback = &payback
	}
	return eco
}

func (e *Extractor) environment(totalKWh float64) Environment {
	co2 := e.calc.CO2Avoided(totalKWh, e.cfg.EmissionFactor)
	return Environment{
		CO2:             co2,
		TreeEquivalents: e.calc.TreeEquivalents(co2.Kg, e.cfg.TreeAbsorptionKgYear),
	}
}

// deviceSummary fetches the device list and one realtime KPI per
// inverter. A failed device is logged and omitted from the summary; a
// failed device list degrades to no summary at all. Neither aborts the
// extraction.
func (e *Extractor) deviceSummary(ctx context.Context, stationCode string, log zerolog.Logger) *DeviceSummary {
	devices, err := e.client.DeviceList(ctx, stationCode)
	if err != nil {
		log.Warn().Err(err).Msg("device list unavailable, skipping device summary")
		return nil
	}

	summary := &DeviceSummary{TotalDevices: len(devices)}

	var tempSum float64
	reported := 0
	for _, d := range devices {
		if !d.IsInverter() {
			continue
		}
		summary.InverterCount++

		kpi, err := e.client.DeviceRealtimeKPI(ctx, d.ID, d.TypeID)
		if err != nil {
			log.Warn().Err(err).
				Int64("device_id", d.ID).
				Str("device", d.Name).
				Msg("device KPI unavailable, omitting device from summary")
			continue
		}

		reported++
		if kpi.Online {
			summary.OnlineInverters++
		}
		summary.TotalDailyKWh += kpi.DailyEnergy
		summary.TotalPowerKW += kpi.ActivePower
		tempSum += kpi.Temperature
		if kpi.Temperature > summary.MaxTemperature {
			summary.MaxTemperature = kpi.Temperature
		}

		summary.Inverters = append(summary.Inverters, InverterStatus{
			Name:         d.Name,
			SerialNumber: d.SerialNumber,
			DailyKWh:     metrics.Round2(kpi.DailyEnergy),
			PowerKW:      metrics.Round2(kpi.ActivePower),
			Temperature:  metrics.Round1(kpi.Temperature),
			MPPTYields:   kpi.MPPTYields,
			Online:       kpi.Online,
		})
	}

	summary.TotalDailyKWh = metrics.Round2(summary.TotalDailyKWh)
	summary.TotalPowerKW = metrics.Round2(summary.TotalPowerKW)
	if reported > 0 {
		summary.AvgTemperature = metrics.Round1(tempSum / float64(reported))
	}
	return summary
}

// alarms fetches and summarizes the month's alarms; failures degrade to
// an empty summary.
func (e *Extractor) alarms(ctx context.Context, stationCode string, year int, month time.Month, log zerolog.Logger) AlarmSummary {
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0).Add(-time.Millisecond)

	alarms, err := e.client.AlarmList(ctx, stationCode, from, to)
	if err != nil {
		log.Warn().Err(err).Msg("alarm list unavailable, reporting none")
		return AlarmSummary{}
	}
	return summarizeAlarms(alarms)
}

// comparison extracts the previous month, always with daily data so the
// baseline is accurate, and computes the delta. Failure degrades to a
// nil comparison.
func (e *Extractor) comparison(ctx context.Context, req Request, currentKWh float64, log zerolog.Logger) *Comparison {
	prevYear, prevMonth := previousMonth(req.Year, req.Month)

	prevReq := Request{
		StationCode:  req.StationCode,
		Year:         prevYear,
		Month:        prevMonth,
		IncludeDaily: true,
		CapacityKWp:  req.CapacityKWp,
	}

	prev, err := e.extract(ctx, prevReq, false)
	if err != nil {
		log.Warn().Err(err).Msg("previous month unavailable, skipping comparison")
		return nil
	}

	cmp := e.calc.Compare(currentKWh, prev.Generation.Total.KWh)
	return &Comparison{
		PreviousLabel: periodLabel(prevYear, prevMonth),
		PreviousKWh:   cmp.Previous,
		DeltaKWh:      cmp.DeltaKWh,
		Percent:       cmp.Percent,
	}
}

// InvalidateStations drops the memoized station list so the next
// extraction refetches it.
func (e *Extractor) InvalidateStations() {
	e.stations = nil
}

// isHardErr reports whether a sub-fetch failure must abort the station:
// credential rejections cannot succeed on retry, and quota rejections
// must surface so the caller can wait out the window.
func isHardErr(err error) bool {
	var authErr *fusionsolar.AuthError
	if errors.As(err, &authErr) {
		return true
	}
	var rateErr *fusionsolar.RateLimitError
	return errors.As(err, &rateErr)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func previousMonth(year int, month time.Month) (int, time.Month) {
	if month == time.January {
		return year - 1, time.December
	}
	return year, month - 1
}

func periodLabel(year int, month time.Month) string {
	return fmt.Sprintf("%s %d", month, year)
}
