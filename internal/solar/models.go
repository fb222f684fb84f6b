// Package solar defines the domain model for photovoltaic plant telemetry.
package solar

import "time"

// Device type identifiers as reported by the monitoring service.
const (
	DeviceTypeInverter       = 1
	DeviceTypeSmartLogger    = 2
	DeviceTypeStringInverter = 38
	DeviceTypePowerSensor    = 47
)

// AlarmCriticalLevel is the severity at or above which an alarm is
// considered critical rather than a warning.
const AlarmCriticalLevel = 3

// Station is a physical solar installation identified by a unique code.
type Station struct {
	Code      string
	Name      string
	Address   string
	Capacity  float64 // as reported by the service, unit may be MW or kWp
	Latitude  float64
	Longitude float64
}

// Device is power-conversion or monitoring hardware attached to a station.
type Device struct {
	ID           int64
	TypeID       int
	Name         string
	SerialNumber string
	Model        string
	StationCode  string
}

// IsInverter reports whether the device produces per-MPPT and per-string
// telemetry worth aggregating.
func (d Device) IsInverter() bool {
	return d.TypeID == DeviceTypeInverter || d.TypeID == DeviceTypeStringInverter
}

// DeviceKPI is a realtime telemetry snapshot for a single inverter.
type DeviceKPI struct {
	DeviceID      int64
	DeviceName    string
	TotalEnergy   float64            // lifetime kWh
	DailyEnergy   float64            // kWh generated today
	ActivePower   float64            // kW
	ReactivePower float64            // kVar
	Temperature   float64            // °C
	Efficiency    float64            // percent
	MPPTYields    map[string]float64 // kWh per MPPT input
	StringVolts   map[string]float64 // V per PV string
	StringAmps    map[string]float64 // A per PV string
	Online        bool
}

// RealtimeKPI is a realtime snapshot at station level.
type RealtimeKPI struct {
	StationCode string
	DayEnergy   float64 // kWh generated today
	MonthEnergy float64 // kWh month to date
	TotalEnergy float64 // lifetime kWh
	HealthState int
}

// DailyReading is the produced energy for one day of a month.
type DailyReading struct {
	Day  int
	KWh  float64
	Date time.Time
}

// Alarm is a fault or warning raised by a station device.
type Alarm struct {
	Name       string
	Cause      string
	DeviceName string
	Level      int
	RaisedAt   time.Time
}

// Critical reports whether the alarm severity is at or above the
// critical threshold.
func (a Alarm) Critical() bool {
	return a.Level >= AlarmCriticalLevel
}

// EnergySource records which fallback tier produced a monthly total.
type EnergySource string

const (
	// SourceMeasured means the value came from daily readings or the
	// monthly historical KPI.
	SourceMeasured EnergySource = "measured"

	// SourceRealtimeFallback means the value was derived from a
	// realtime snapshot's month-to-date counter.
	SourceRealtimeFallback EnergySource = "realtime_fallback"

	// SourceEmptyFallback means no source had data and the value is zero.
	SourceEmptyFallback EnergySource = "empty_fallback"
)

// EnergyTotal is a monthly energy value tagged with its provenance, so
// consumers can distinguish missing data from a genuine zero.
type EnergyTotal struct {
	KWh    float64
	Source EnergySource
}

// Measured reports whether the total was actually metered rather than
// estimated or defaulted.
func (e EnergyTotal) Measured() bool {
	return e.Source == SourceMeasured
}
