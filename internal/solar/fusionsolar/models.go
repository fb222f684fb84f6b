package fusionsolar

import (
	"bytes"
	"strconv"

	"github.com/goccy/go-json"
)

// envelope is the common response wrapper of the /thirdData endpoints.
type envelope struct {
	Success  bool            `json:"success"`
	FailCode int             `json:"failCode"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data"`
}

// flexFloat tolerates numeric fields that the service sometimes delivers
// as strings, null or "N/A".
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

type stationListPage struct {
	Total     int           `json:"total"`
	PageCount int           `json:"pageCount"`
	PageNo    int           `json:"pageNo"`
	List      []stationItem `json:"list"`
}

type stationItem struct {
	Code      string    `json:"stationCode"`
	Name      string    `json:"stationName"`
	Address   string    `json:"stationAddr"`
	Capacity  flexFloat `json:"capacity"`
	Latitude  flexFloat `json:"latitude"`
	Longitude flexFloat `json:"longitude"`
}

// stationKPIItem carries one collect-time worth of station KPIs. The
// dataItemMap keys differ per endpoint (day_power, month_power,
// production_power, ...) so it stays a map.
type stationKPIItem struct {
	Code        string               `json:"stationCode"`
	CollectTime int64                `json:"collectTime"`
	DataItemMap map[string]flexFloat `json:"dataItemMap"`
}

type deviceItem struct {
	ID           int64     `json:"id"`
	TypeID       int       `json:"devTypeId"`
	Name         string    `json:"devName"`
	SerialNumber string    `json:"esnCode"`
	Model        string    `json:"model"`
	StationCode  string    `json:"stationCode"`
	Latitude     flexFloat `json:"latitude"`
	Longitude    flexFloat `json:"longitude"`
}

// deviceKPIItem carries a realtime device snapshot. Inverter maps hold
// per-MPPT (mppt_N_cap) and per-string (pvN_u / pvN_i) entries.
type deviceKPIItem struct {
	DeviceID    int64                `json:"devId"`
	DataItemMap map[string]flexFloat `json:"dataItemMap"`
}

type alarmItem struct {
	Name       string `json:"alarmName"`
	Cause      string `json:"alarmCause"`
	DeviceName string `json:"devName"`
	Level      int    `json:"lev"`
	RaiseTime  int64  `json:"raiseTime"`
}
