package report

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solreport/solreport/internal/solar"
	"github.com/solreport/solreport/internal/solar/fusionsolar"
)

type fakeClient struct {
	stations     []solar.Station
	stationsErr  error
	stationCalls int

	realtime      map[string]*solar.RealtimeKPI
	realtimeErr   error
	realtimeCalls int

	monthKWh map[string]float64
	monthErr error

	daily    map[string][]solar.DailyReading
	dailyErr error

	devices    []solar.Device
	devicesErr error

	deviceKPIs   map[int64]*solar.DeviceKPI
	deviceKPIErr map[int64]error

	alarms    []solar.Alarm
	alarmsErr error
}

func periodKey(year int, month time.Month) string {
	return fmt.Sprintf("%04d-%02d", year, int(month))
}

func (f *fakeClient) StationList(_ context.Context) ([]solar.Station, error) {
	f.stationCalls++
	return f.stations, f.stationsErr
}

func (f *fakeClient) StationRealtime(_ context.Context, stationCode string) (*solar.RealtimeKPI, error) {
	f.realtimeCalls++
	if f.realtimeErr != nil {
		return nil, f.realtimeErr
	}
	return f.realtime[stationCode], nil
}

func (f *fakeClient) StationMonthKPI(_ context.Context, _ string, year int, month time.Month) (float64, bool, error) {
	if f.monthErr != nil {
		return 0, false, f.monthErr
	}
	kwh, ok := f.monthKWh[periodKey(year, month)]
	return kwh, ok, nil
}

func (f *fakeClient) StationMonthDailyKPI(_ context.Context, _ string, year int, month time.Month) ([]solar.DailyReading, error) {
	if f.dailyErr != nil {
		return nil, f.dailyErr
	}
	return f.daily[periodKey(year, month)], nil
}

func (f *fakeClient) DeviceList(_ context.Context, _ string) ([]solar.Device, error) {
	return f.devices, f.devicesErr
}

func (f *fakeClient) DeviceRealtimeKPI(_ context.Context, deviceID int64, _ int) (*solar.DeviceKPI, error) {
	if err := f.deviceKPIErr[deviceID]; err != nil {
		return nil, err
	}
	return f.deviceKPIs[deviceID], nil
}

func (f *fakeClient) AlarmList(_ context.Context, _ string, _, _ time.Time) ([]solar.Alarm, error) {
	return f.alarms, f.alarmsErr
}

func newTestExtractor(client MonitoringClient) *Extractor {
	return NewExtractor(ExtractorConfig{
		Client: client,
		Logger: zerolog.Nop(),
	})
}

func dailyFixture(year int, month time.Month, values []float64) []solar.DailyReading {
	readings := make([]solar.DailyReading, 0, len(values))
	for i, v := range values {
		readings = append(readings, solar.DailyReading{
			Day:  i + 1,
			KWh:  v,
			Date: time.Date(year, month, i+1, 0, 0, 0, 0, time.UTC),
		})
	}
	return readings
}

func TestMonthlyReportDailySumBeatsZeroMonthlyKPI(t *testing.T) {
	// 29 days at 44 plus a partial last day: 1286.98 kWh. The monthly
	// KPI claims zero, which must lose to the positive daily sum, and
	// the realtime endpoint must not be touched at all.
	values := make([]float64, 30)
	for i := range values {
		values[i] = 44
	}
	values[29] = 10.98

	client := &fakeClient{
		stations: []solar.Station{{Code: "NE-01", Name: "Usina Leste", Capacity: 12.5}},
		monthKWh: map[string]float64{periodKey(2025, time.November): 0},
		daily:    map[string][]solar.DailyReading{periodKey(2025, time.November): dailyFixture(2025, time.November, values)},
	}

	rep, err := newTestExtractor(client).MonthlyReport(context.Background(), Request{
		StationCode:  "NE-01",
		Year:         2025,
		Month:        time.November,
		IncludeDaily: true,
		CapacityKWp:  12.5,
	})
	require.NoError(t, err)

	assert.Equal(t, 1286.98, rep.Generation.Total.KWh)
	assert.Equal(t, solar.SourceMeasured, rep.Generation.Total.Source)
	assert.Equal(t, 0, client.realtimeCalls)

	require.NotNil(t, rep.Generation.DaysWithGeneration)
	require.NotNil(t, rep.Generation.DaysWithoutGeneration)
	assert.Equal(t, 30, *rep.Generation.DaysWithGeneration)
	assert.Equal(t, 0, *rep.Generation.DaysWithoutGeneration)
	assert.Equal(t, 44.0, rep.Generation.MaxDailyKWh)
	assert.Equal(t, 10.98, rep.Generation.MinDailyKWh)

	require.Len(t, rep.Weekly, 5)
	require.NotNil(t, rep.TopDays)
	assert.Equal(t, "November 2025", rep.Period.Label)
	assert.Equal(t, 30, rep.Period.DaysInMonth)
	assert.NotEmpty(t, rep.ID)
}

func TestMonthlyReportWithoutDailyData(t *testing.T) {
	client := &fakeClient{
		stations: []solar.Station{{Code: "NE-01", Capacity: 12.5}},
		monthKWh: map[string]float64{periodKey(2025, time.November): 1200},
	}

	rep, err := newTestExtractor(client).MonthlyReport(context.Background(), Request{
		StationCode: "NE-01",
		Year:        2025,
		Month:       time.November,
		CapacityKWp: 12.5,
	})
	require.NoError(t, err)

	assert.Equal(t, 1200.0, rep.Generation.Total.KWh)
	assert.Equal(t, solar.SourceMeasured, rep.Generation.Total.Source)

	// Day counters are unknown, not zero, when the daily breakdown was
	// never requested.
	assert.Nil(t, rep.Generation.DaysWithGeneration)
	assert.Nil(t, rep.Generation.DaysWithoutGeneration)
	assert.Nil(t, rep.Performance.AvailabilityPercent)
	assert.Nil(t, rep.Weekly)
	assert.Nil(t, rep.TopDays)
}

func TestMonthlyReportRealtimeFallback(t *testing.T) {
	client := &fakeClient{
		stations: []solar.Station{{Code: "NE-01", Capacity: 12.5}},
		realtime: map[string]*solar.RealtimeKPI{
			"NE-01": {StationCode: "NE-01", MonthEnergy: 850.5},
		},
	}

	rep, err := newTestExtractor(client).MonthlyReport(context.Background(), Request{
		StationCode: "NE-01",
		Year:        2025,
		Month:       time.November,
		CapacityKWp: 12.5,
	})
	require.NoError(t, err)

	assert.Equal(t, 850.5, rep.Generation.Total.KWh)
	assert.Equal(t, solar.SourceRealtimeFallback, rep.Generation.Total.Source)
	assert.Equal(t, 1, client.realtimeCalls)
}

func TestMonthlyReportEmptyFallback(t *testing.T) {
	client := &fakeClient{
		stations: []solar.Station{{Code: "NE-01", Capacity: 12.5}},
	}

	rep, err := newTestExtractor(client).MonthlyReport(context.Background(), Request{
		StationCode: "NE-01",
		Year:        2025,
		Month:       time.November,
	})
	require.NoError(t, err)

	assert.Equal(t, 0.0, rep.Generation.Total.KWh)
	assert.Equal(t, solar.SourceEmptyFallback, rep.Generation.Total.Source)
	assert.False(t, rep.Generation.Total.Measured())
}

func TestMonthlyReportCapacityNormalization(t *testing.T) {
	// The service reports 5 for a 5 MW plant; the heuristic converts
	// it to kWp. An explicit request value always wins.
	client := &fakeClient{
		stations: []solar.Station{{Code: "NE-01", Capacity: 5}},
	}
	ex := newTestExtractor(client)

	rep, err := ex.MonthlyReport(context.Background(), Request{
		StationCode: "NE-01", Year: 2025, Month: time.November,
	})
	require.NoError(t, err)
	assert.Equal(t, 5000.0, rep.Station.CapacityKWp)

	rep, err = ex.MonthlyReport(context.Background(), Request{
		StationCode: "NE-01", Year: 2025, Month: time.November, CapacityKWp: 12.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 12.5, rep.Station.CapacityKWp)
}

func TestMonthlyReportPerformanceBlock(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = 45
	}
	values[0] = 0 // one dead day

	client := &fakeClient{
		stations: []solar.Station{{Code: "NE-01"}},
		daily:    map[string][]solar.DailyReading{periodKey(2025, time.November): dailyFixture(2025, time.November, values)},
	}

	rep, err := newTestExtractor(client).MonthlyReport(context.Background(), Request{
		StationCode:  "NE-01",
		Year:         2025,
		Month:        time.November,
		IncludeDaily: true,
		CapacityKWp:  10,
	})
	require.NoError(t, err)

	// 10 kWp x 4.5 HSP x 30 days.
	assert.Equal(t, 1350.0, rep.Performance.TheoreticalKWh)
	assert.Equal(t, 1305.0, rep.Generation.Total.KWh)
	assert.Equal(t, 96.67, rep.Performance.PerformanceRatio)

	require.NotNil(t, rep.Performance.AvailabilityPercent)
	assert.Equal(t, 96.7, *rep.Performance.AvailabilityPercent)
	require.NotNil(t, rep.Generation.DaysWithGeneration)
	assert.Equal(t, 29, *rep.Generation.DaysWithGeneration)
}

func TestMonthlyReportDeviceSummaryOmitsFailedDevice(t *testing.T) {
	client := &fakeClient{
		stations: []solar.Station{{Code: "NE-01"}},
		devices: []solar.Device{
			{ID: 1, TypeID: solar.DeviceTypeInverter, Name: "INV-01", SerialNumber: "SN1"},
			{ID: 2, TypeID: solar.DeviceTypeInverter, Name: "INV-02", SerialNumber: "SN2"},
			{ID: 3, TypeID: solar.DeviceTypeInverter, Name: "INV-03", SerialNumber: "SN3"},
			{ID: 4, TypeID: solar.DeviceTypePowerSensor, Name: "METER-01"},
		},
		deviceKPIs: map[int64]*solar.DeviceKPI{
			1: {DeviceID: 1, DailyEnergy: 20.5, ActivePower: 3.2, Temperature: 41, Online: true},
			3: {DeviceID: 3, DailyEnergy: 19.5, ActivePower: 3.0, Temperature: 39, Online: false},
		},
		deviceKPIErr: map[int64]error{2: errors.New("device unreachable")},
	}

	rep, err := newTestExtractor(client).MonthlyReport(context.Background(), Request{
		StationCode: "NE-01", Year: 2025, Month: time.November,
	})
	require.NoError(t, err)

	require.NotNil(t, rep.Devices)
	assert.Equal(t, 4, rep.Devices.TotalDevices)
	assert.Equal(t, 3, rep.Devices.InverterCount)
	assert.Equal(t, 1, rep.Devices.OnlineInverters)

	// The failed inverter is absent, the meter never queried.
	require.Len(t, rep.Devices.Inverters, 2)
	assert.Equal(t, "INV-01", rep.Devices.Inverters[0].Name)
	assert.Equal(t, "INV-03", rep.Devices.Inverters[1].Name)
	assert.Equal(t, 40.0, rep.Devices.TotalDailyKWh)
	assert.Equal(t, 40.0, rep.Devices.AvgTemperature)
	assert.Equal(t, 41.0, rep.Devices.MaxTemperature)
}

func TestMonthlyReportDeviceListFailureSkipsSummary(t *testing.T) {
	client := &fakeClient{
		stations:   []solar.Station{{Code: "NE-01"}},
		devicesErr: errors.New("listing unavailable"),
	}

	rep, err := newTestExtractor(client).MonthlyReport(context.Background(), Request{
		StationCode: "NE-01", Year: 2025, Month: time.November,
	})
	require.NoError(t, err)
	assert.Nil(t, rep.Devices)
}

func TestMonthlyReportAlarmFailureDegrades(t *testing.T) {
	client := &fakeClient{
		stations:  []solar.Station{{Code: "NE-01"}},
		alarmsErr: errors.New("alarm endpoint down"),
	}

	rep, err := newTestExtractor(client).MonthlyReport(context.Background(), Request{
		StationCode: "NE-01", Year: 2025, Month: time.November,
	})
	require.NoError(t, err)
	assert.Equal(t, AlarmSummary{}, rep.Alarms)
}

func TestMonthlyReportUnknownStationDegrades(t *testing.T) {
	client := &fakeClient{
		stations: []solar.Station{{Code: "OTHER"}},
	}

	rep, err := newTestExtractor(client).MonthlyReport(context.Background(), Request{
		StationCode: "NE-99", Year: 2025, Month: time.November,
	})
	require.NoError(t, err)
	assert.Equal(t, "NE-99", rep.Station.Code)
	assert.Empty(t, rep.Station.Name)
}

func TestMonthlyReportStationListFailureIsFatal(t *testing.T) {
	client := &fakeClient{stationsErr: errors.New("backend down")}

	_, err := newTestExtractor(client).MonthlyReport(context.Background(), Request{
		StationCode: "NE-01", Year: 2025, Month: time.November,
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "station list")
}

func TestMonthlyReportAuthFailureIsFatal(t *testing.T) {
	client := &fakeClient{
		stations: []solar.Station{{Code: "NE-01"}},
		monthErr: &fusionsolar.AuthError{FailCode: fusionsolar.FailCodeInvalidCredentials},
	}

	_, err := newTestExtractor(client).MonthlyReport(context.Background(), Request{
		StationCode: "NE-01", Year: 2025, Month: time.November,
	})
	var authErr *fusionsolar.AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestMonthlyReportQuotaRejectionPropagates(t *testing.T) {
	// A quota hit must reach the batch layer so it can wait and retry,
	// never flatten into a zeroed report.
	client := &fakeClient{
		stations: []solar.Station{{Code: "NE-01"}},
		monthErr: &fusionsolar.RateLimitError{
			FailCode:   fusionsolar.FailCodeRateLimited,
			RetryAfter: fusionsolar.QuotaWindow,
		},
	}

	_, err := newTestExtractor(client).MonthlyReport(context.Background(), Request{
		StationCode: "NE-01", Year: 2025, Month: time.November,
	})
	var rateErr *fusionsolar.RateLimitError
	require.ErrorAs(t, err, &rateErr)
}

func TestMonthlyReportQuotaRejectionOnDailyPropagates(t *testing.T) {
	client := &fakeClient{
		stations: []solar.Station{{Code: "NE-01"}},
		monthKWh: map[string]float64{periodKey(2025, time.November): 1200},
		dailyErr: &fusionsolar.RateLimitError{
			FailCode:   fusionsolar.FailCodeRateLimited,
			RetryAfter: fusionsolar.QuotaWindow,
		},
	}

	_, err := newTestExtractor(client).MonthlyReport(context.Background(), Request{
		StationCode: "NE-01", Year: 2025, Month: time.November, IncludeDaily: true,
	})
	var rateErr *fusionsolar.RateLimitError
	require.ErrorAs(t, err, &rateErr)
}

func TestMonthlyReportStationListMemoized(t *testing.T) {
	client := &fakeClient{stations: []solar.Station{{Code: "NE-01"}}}
	ex := newTestExtractor(client)

	for i := 0; i < 3; i++ {
		_, err := ex.MonthlyReport(context.Background(), Request{
			StationCode: "NE-01", Year: 2025, Month: time.November,
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, client.stationCalls)

	ex.InvalidateStations()
	_, err := ex.MonthlyReport(context.Background(), Request{
		StationCode: "NE-01", Year: 2025, Month: time.November,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, client.stationCalls)
}

func TestMonthlyReportComparison(t *testing.T) {
	octValues := make([]float64, 31)
	for i := range octValues {
		octValues[i] = 1000.0 / 31
	}

	client := &fakeClient{
		stations: []solar.Station{{Code: "NE-01"}},
		monthKWh: map[string]float64{periodKey(2025, time.November): 1200},
		daily: map[string][]solar.DailyReading{
			periodKey(2025, time.October): dailyFixture(2025, time.October, octValues),
		},
	}

	rep, err := newTestExtractor(client).MonthlyReport(context.Background(), Request{
		StationCode: "NE-01",
		Year:        2025,
		Month:       time.November,
		Compare:     true,
	})
	require.NoError(t, err)

	// The previous month is always resolved from its daily breakdown,
	// even when the current request skipped daily data.
	require.NotNil(t, rep.Comparison)
	assert.Equal(t, "October 2025", rep.Comparison.PreviousLabel)
	assert.Equal(t, 1000.0, rep.Comparison.PreviousKWh)
	assert.Equal(t, 200.0, rep.Comparison.DeltaKWh)
	assert.Equal(t, 20.0, rep.Comparison.Percent)
}

func TestMonthlyReportComparisonJanuary(t *testing.T) {
	client := &fakeClient{
		stations: []solar.Station{{Code: "NE-01"}},
		monthKWh: map[string]float64{
			periodKey(2026, time.January):  1100,
			periodKey(2025, time.December): 1000,
		},
	}

	rep, err := newTestExtractor(client).MonthlyReport(context.Background(), Request{
		StationCode: "NE-01",
		Year:        2026,
		Month:       time.January,
		Compare:     true,
	})
	require.NoError(t, err)
	require.NotNil(t, rep.Comparison)
	assert.Equal(t, "December 2025", rep.Comparison.PreviousLabel)
	assert.Equal(t, 10.0, rep.Comparison.Percent)
}

func TestMonthlyReportComparisonFailureDegrades(t *testing.T) {
	// Poison only the second station-list-independent path: the
	// comparison recursion shares the memoized station list, so fail
	// the previous month's KPI fetch with a transport error instead.
	client := &comparisonFailClient{
		fakeClient: fakeClient{
			stations: []solar.Station{{Code: "NE-01"}},
			monthKWh: map[string]float64{periodKey(2025, time.November): 1200},
		},
	}

	rep, err := newTestExtractor(client).MonthlyReport(context.Background(), Request{
		StationCode: "NE-01",
		Year:        2025,
		Month:       time.November,
		Compare:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1200.0, rep.Generation.Total.KWh)
	assert.Nil(t, rep.Comparison)
}

type comparisonFailClient struct {
	fakeClient
}

func (c *comparisonFailClient) StationMonthKPI(ctx context.Context, stationCode string, year int, month time.Month) (float64, bool, error) {
	if month == time.October {
		return 0, false, errors.New("gateway timeout")
	}
	return c.fakeClient.StationMonthKPI(ctx, stationCode, year, month)
}
