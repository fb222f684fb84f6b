// Package fusionsolar provides a client for the Huawei FusionSolar
// monitoring API (the /thirdData northbound interface). The client owns
// the session token lifecycle, integrates the response cache and maps
// wire payloads onto the solar domain model.
package fusionsolar

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/solreport/solreport/internal/cache"
	"github.com/solreport/solreport/internal/provider/resilience"
	"github.com/solreport/solreport/internal/solar"
)

const (
	// DefaultBaseURL is the international FusionSolar endpoint.
	DefaultBaseURL = "https://intl.fusionsolar.huawei.com"

	// TokenHeader carries the session token in both directions. The
	// response header lookup is case-insensitive.
	TokenHeader = "XSRF-TOKEN"

	// DefaultTokenTTL is the assumed session validity. The server does
	// not reliably declare one, so a fixed window (30 minutes server
	// side minus a safety margin) is used regardless of any server
	// value.
	DefaultTokenTTL = 25 * time.Minute

	// QuotaCalls and QuotaWindow describe the service's call quota:
	// QuotaCalls calls per rolling QuotaWindow.
	QuotaCalls  = 5
	QuotaWindow = 10 * time.Minute

	// defaultPageSize is the bounded page size for station listing.
	defaultPageSize = 100
)

// API endpoints. Login and logout are never cached.
const (
	endpointLogin           = "/thirdData/login"
	endpointLogout          = "/thirdData/logout"
	endpointStationList     = "/thirdData/getStationList"
	endpointStationRealKPI  = "/thirdData/getStationRealKpi"
	endpointStationDayKPI   = "/thirdData/getKpiStationDay"
	endpointStationMonthKPI = "/thirdData/getKpiStationMonth"
	endpointDeviceList      = "/thirdData/getDevList"
	endpointDeviceRealKPI   = "/thirdData/getDevRealKpi"
	endpointAlarmList       = "/thirdData/getAlarmList"
)

// CredentialMode selects the observed login protocol variant. The
// upstream contract changed between integration attempts, so the
// mechanism is configurable rather than fixed.
type CredentialMode string

const (
	// CredentialSHA256 sends userName plus the SHA-256 hex digest of
	// the password in the systemCode field.
	CredentialSHA256 CredentialMode = "sha256"

	// CredentialPlain sends userName plus the plain-text password.
	CredentialPlain CredentialMode = "plain"
)

// HTTPDoer abstracts HTTP request execution.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig holds configuration for the FusionSolar client.
type ClientConfig struct {
	// BaseURL is the API base URL (defaults to DefaultBaseURL).
	BaseURL string

	// Username and Password are the northbound account credentials.
	Username string
	Password string

	// CredentialMode selects the login payload variant (default:
	// CredentialSHA256).
	CredentialMode CredentialMode

	// TokenTTL overrides the assumed session validity (default:
	// DefaultTokenTTL).
	TokenTTL time.Duration

	// HTTPClient executes requests. If nil, a resilient client with
	// retries and a circuit breaker is created.
	HTTPClient HTTPDoer

	// Cache, when non-nil, is consulted before any network call for
	// cacheable operations and written through on success.
	Cache *cache.Store

	// Timeout for individual API requests when the default HTTP
	// client is created (default: 30s).
	Timeout time.Duration

	// Logger for client events.
	Logger zerolog.Logger
}

// Client is a FusionSolar API client. It is not safe for concurrent use;
// the pipeline is deliberately single-threaded because parallel calls
// would only exhaust the shared quota faster.
type Client struct {
	baseURL    string
	username   string
	password   string
	mode       CredentialMode
	tokenTTL   time.Duration
	httpClient HTTPDoer
	cache      *cache.Store
	logger     zerolog.Logger

	token       string
	tokenExpiry time.Time
	remoteCalls int64
}

// NewClient creates a FusionSolar client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	mode := cfg.CredentialMode
	if mode == "" {
		mode = CredentialSHA256
	}

	tokenTTL := cfg.TokenTTL
	if tokenTTL == 0 {
		tokenTTL = DefaultTokenTTL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = resilience.NewClient(resilience.ClientConfig{
			Name:    "fusionsolar",
			Timeout: timeout,
		})
	}

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		mode:       mode,
		tokenTTL:   tokenTTL,
		httpClient: httpClient,
		cache:      cfg.Cache,
		logger:     cfg.Logger,
	}
}

// Login authenticates and stores the session token. The token is taken
// from the response header first, with the body data field as fallback;
// its expiry is always now plus the fixed validity window.
func (c *Client) Login(ctx context.Context) error {
	payload := map[string]any{"userName": c.username}
	switch c.mode {
	case CredentialPlain:
		payload["password"] = c.password
	default:
		sum := sha256.Sum256([]byte(c.password))
		payload["systemCode"] = hex.EncodeToString(sum[:])
	}

	c.logger.Info().Str("username", c.username).Msg("logging in to FusionSolar")

	env, header, err := c.post(ctx, endpointLogin, payload)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if !env.Success {
		return classifyFailure(endpointLogin, env)
	}

	token := header.Get(TokenHeader)
	if token == "" {
		// Older deployments return the token in the body instead.
		_ = json.Unmarshal(env.Data, &token)
	}
	if token == "" {
		return &AuthError{Message: "login succeeded but no token was delivered"}
	}

	c.token = token
	c.tokenExpiry = time.Now().Add(c.tokenTTL)
	c.logger.Info().Time("token_expiry", c.tokenExpiry).Msg("login successful")
	return nil
}

// Logout ends the session best-effort. The local token is cleared
// regardless of the remote outcome.
func (c *Client) Logout(ctx context.Context) {
	if c.token != "" {
		if _, _, err := c.post(ctx, endpointLogout, map[string]any{}); err != nil {
			c.logger.Warn().Err(err).Msg("logout request failed")
		}
	}
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.logger.Info().Msg("logged out")
}

// WaitQuotaWindow blocks until the call quota window has rolled over or
// the context is cancelled. Bulk historical fetches insert this between
// quota-sized batches instead of busy-waiting.
func (c *Client) WaitQuotaWindow(ctx context.Context) error {
	c.logger.Info().
		Int("quota_calls", QuotaCalls).
		Dur("window", QuotaWindow).
		Msg("waiting out call quota window")

	timer := time.NewTimer(QuotaWindow)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RemoteCalls returns the number of HTTP round trips issued so far,
// cache hits excluded. Batch callers compare readings around a unit of
// work to decide whether the next one needs a quota wait at all.
func (c *Client) RemoteCalls() int64 {
	return c.remoteCalls
}

// StationList returns every station of the account. Pagination is
// followed until the reported page count is exhausted. Failures are
// hard: without the station list nothing downstream can work.
func (c *Client) StationList(ctx context.Context) ([]solar.Station, error) {
	var stations []solar.Station

	for pageNo := 1; ; pageNo++ {
		params := map[string]any{"pageNo": pageNo, "pageSize": defaultPageSize}

		data, err := c.call(ctx, endpointStationList, params, true)
		if err != nil {
			return nil, fmt.Errorf("station list page %d: %w", pageNo, err)
		}

		var page stationListPage
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("decode station list: %w", err)
		}

		for _, s := range page.List {
			stations = append(stations, solar.Station{
				Code:      s.Code,
				Name:      s.Name,
				Address:   s.Address,
				Capacity:  float64(s.Capacity),
				Latitude:  float64(s.Latitude),
				Longitude: float64(s.Longitude),
			})
		}

		if page.PageCount == 0 || pageNo >= page.PageCount {
			break
		}
	}

	c.logger.Info().Int("stations", len(stations)).Msg("station list fetched")
	return stations, nil
}

// StationRealtime returns the realtime snapshot for a station. This is a
// soft operation: anything but an authentication failure yields an empty
// result so upstream fallback chains can continue.
func (c *Client) StationRealtime(ctx context.Context, stationCode string) (*solar.RealtimeKPI, error) {
	params := map[string]any{"stationCodes": stationCode}

	data, err := c.call(ctx, endpointStationRealKPI, params, true)
	if err != nil {
		return nil, c.soften(endpointStationRealKPI, err)
	}

	var items []stationKPIItem
	if err := json.Unmarshal(data, &items); err != nil || len(items) == 0 {
		return nil, nil
	}

	m := items[0].DataItemMap
	return &solar.RealtimeKPI{
		StationCode: stationCode,
		DayEnergy:   float64(m["day_power"]),
		MonthEnergy: float64(m["month_power"]),
		TotalEnergy: float64(m["total_power"]),
		HealthState: int(m["real_health_state"]),
	}, nil
}

// StationDayKPI returns the produced energy for a single day. Soft
// semantics: missing data yields ok=false, not an error.
func (c *Client) StationDayKPI(ctx context.Context, stationCode string, day time.Time) (float64, bool, error) {
	params := map[string]any{
		"stationCodes": stationCode,
		"collectTime":  dateStamp(day),
	}

	data, err := c.call(ctx, endpointStationDayKPI, params, true)
	if err != nil {
		return 0, false, c.soften(endpointStationDayKPI, err)
	}

	var items []stationKPIItem
	if err := json.Unmarshal(data, &items); err != nil || len(items) == 0 {
		return 0, false, nil
	}
	return productionOf(items[0].DataItemMap), true, nil
}

// StationMonthDailyKPI returns one reading per day of the given month in
// a single call. The endpoint is keyed by the first day's timestamp and
// answers with every day of that month, which makes it the preferred
// historical-data access pattern: one quota-consuming call instead of
// thirty-one.
func (c *Client) StationMonthDailyKPI(ctx context.Context, stationCode string, year int, month time.Month) ([]solar.DailyReading, error) {
	firstDay := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	params := map[string]any{
		"stationCodes": stationCode,
		"collectTime":  dateStamp(firstDay),
	}

	data, err := c.call(ctx, endpointStationDayKPI, params, true)
	if err != nil {
		return nil, fmt.Errorf("month daily KPI: %w", err)
	}

	var items []stationKPIItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode month daily KPI: %w", err)
	}

	readings := make([]solar.DailyReading, 0, len(items))
	for _, item := range items {
		day := dayOf(item.CollectTime)
		if day < 1 || day > 31 {
			continue
		}
		readings = append(readings, solar.DailyReading{
			Day:  day,
			KWh:  productionOf(item.DataItemMap),
			Date: time.Date(year, month, day, 0, 0, 0, 0, time.UTC),
		})
	}

	sort.Slice(readings, func(i, j int) bool { return readings[i].Day < readings[j].Day })
	return readings, nil
}

// StationMonthKPI returns the historical monthly production total. Soft
// semantics like StationRealtime.
func (c *Client) StationMonthKPI(ctx context.Context, stationCode string, year int, month time.Month) (float64, bool, error) {
	params := map[string]any{
		"stationCodes": stationCode,
		"collectTime":  monthStamp(year, month),
	}

	data, err := c.call(ctx, endpointStationMonthKPI, params, true)
	if err != nil {
		return 0, false, c.soften(endpointStationMonthKPI, err)
	}

	var items []stationKPIItem
	if err := json.Unmarshal(data, &items); err != nil || len(items) == 0 {
		return 0, false, nil
	}
	return productionOf(items[0].DataItemMap), true, nil
}

// DeviceList returns the devices attached to a station. Failures are
// hard.
func (c *Client) DeviceList(ctx context.Context, stationCode string) ([]solar.Device, error) {
	params := map[string]any{"stationCodes": stationCode}

	data, err := c.call(ctx, endpointDeviceList, params, true)
	if err != nil {
		return nil, fmt.Errorf("device list: %w", err)
	}

	var items []deviceItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode device list: %w", err)
	}

	devices := make([]solar.Device, 0, len(items))
	for _, d := range items {
		devices = append(devices, solar.Device{
			ID:           d.ID,
			TypeID:       d.TypeID,
			Name:         d.Name,
			SerialNumber: d.SerialNumber,
			Model:        d.Model,
			StationCode:  d.StationCode,
		})
	}
	return devices, nil
}

// DeviceRealtimeKPI returns the realtime telemetry of one device. Both
// the device id and its type id are required by the endpoint. Errors
// propagate; the extractor decides whether to omit the device.
func (c *Client) DeviceRealtimeKPI(ctx context.Context, deviceID int64, devTypeID int) (*solar.DeviceKPI, error) {
	params := map[string]any{
		"devIds":    fmt.Sprintf("%d", deviceID),
		"devTypeId": devTypeID,
	}

	data, err := c.call(ctx, endpointDeviceRealKPI, params, true)
	if err != nil {
		return nil, fmt.Errorf("device %d realtime KPI: %w", deviceID, err)
	}

	var items []deviceKPIItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode device %d KPI: %w", deviceID, err)
	}
	if len(items) == 0 || items[0].DataItemMap == nil {
		return nil, fmt.Errorf("device %d: empty KPI response", deviceID)
	}

	return toDeviceKPI(deviceID, items[0].DataItemMap), nil
}

// AlarmList returns the alarms raised in [from, to].
func (c *Client) AlarmList(ctx context.Context, stationCode string, from, to time.Time) ([]solar.Alarm, error) {
	params := map[string]any{
		"stationCodes": stationCode,
		"beginTime":    from.UnixMilli(),
		"endTime":      to.UnixMilli(),
		"language":     "en_US",
	}

	data, err := c.call(ctx, endpointAlarmList, params, true)
	if err != nil {
		return nil, fmt.Errorf("alarm list: %w", err)
	}

	var items []alarmItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode alarm list: %w", err)
	}

	alarms := make([]solar.Alarm, 0, len(items))
	for _, a := range items {
		alarms = append(alarms, solar.Alarm{
			Name:       a.Name,
			Cause:      a.Cause,
			DeviceName: a.DeviceName,
			Level:      a.Level,
			RaisedAt:   time.UnixMilli(a.RaiseTime),
		})
	}
	return alarms, nil
}

// call runs one cacheable domain operation: cache lookup, auth gate,
// request, one transparent re-login on a token rejection, write-through.
func (c *Client) call(ctx context.Context, endpoint string, params map[string]any, cacheable bool) (json.RawMessage, error) {
	if cacheable && c.cache != nil {
		if data, ok := c.cache.Get(endpoint, params); ok {
			return data, nil
		}
	}

	if err := c.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}

	env, _, err := c.post(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}

	if !env.Success && tokenRejected(env) {
		c.logger.Info().Str("endpoint", endpoint).Msg("session token rejected, re-authenticating")
		c.token = ""
		c.tokenExpiry = time.Time{}

		if err := c.Login(ctx); err != nil {
			return nil, err
		}
		env, _, err = c.post(ctx, endpoint, params)
		if err != nil {
			return nil, err
		}
	}

	if !env.Success {
		return nil, classifyFailure(endpoint, env)
	}

	if cacheable && c.cache != nil {
		c.cache.Set(endpoint, params, env.Data)
	}
	return env.Data, nil
}

// ensureAuthenticated logs in when there is no token or the fixed
// validity window has passed. A token past its window is never reused.
func (c *Client) ensureAuthenticated(ctx context.Context) error {
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return nil
	}
	return c.Login(ctx)
}

// post performs a single POST round trip and decodes the response
// envelope. Transport-level retry lives in the injected HTTP client.
func (c *Client) post(ctx context.Context, endpoint string, params map[string]any) (*envelope, http.Header, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("create %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set(TokenHeader, c.token)
	}

	c.remoteCalls++
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, nil, fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return &env, resp.Header, nil
}

// soften downgrades soft-operation failures to an empty result.
// Authentication and quota rejections stay hard: the first cannot
// succeed on retry, the second must reach the caller so it can choose
// between waiting out the window and aborting.
func (c *Client) soften(endpoint string, err error) error {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return err
	}
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return err
	}
	c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("soft KPI fetch failed, returning empty result")
	return nil
}

// tokenRejected reports whether a failure envelope signals a stale or
// invalid session token, as opposed to bad credentials or quota limits.
func tokenRejected(env *envelope) bool {
	if env.FailCode == FailCodeInvalidCredentials || env.FailCode == FailCodeRateLimited {
		return false
	}
	if env.FailCode == FailCodeTokenExpired {
		return true
	}
	msg := strings.ToLower(env.Message)
	return strings.Contains(msg, "token") || strings.Contains(msg, "auth")
}

// productionOf extracts the produced-energy KPI from a dataItemMap.
func productionOf(m map[string]flexFloat) float64 {
	if v, ok := m["production_power"]; ok {
		return float64(v)
	}
	if v, ok := m["inverter_power"]; ok {
		return float64(v)
	}
	return 0
}

// toDeviceKPI maps an inverter dataItemMap onto the domain snapshot,
// collecting per-MPPT yields (mppt_N_cap) and per-string voltages and
// currents (pvN_u / pvN_i).
func toDeviceKPI(deviceID int64, m map[string]flexFloat) *solar.DeviceKPI {
	kpi := &solar.DeviceKPI{
		DeviceID:      deviceID,
		TotalEnergy:   float64(m["total_cap"]),
		DailyEnergy:   float64(m["day_cap"]),
		ActivePower:   float64(m["active_power"]),
		ReactivePower: float64(m["reactive_power"]),
		Temperature:   float64(m["temperature"]),
		Efficiency:    float64(m["efficiency"]),
		Online:        m["run_state"] == 1,
		MPPTYields:    map[string]float64{},
		StringVolts:   map[string]float64{},
		StringAmps:    map[string]float64{},
	}

	for k, v := range m {
		switch {
		case strings.HasPrefix(k, "mppt_") && strings.HasSuffix(k, "_cap"):
			kpi.MPPTYields[k] = float64(v)
		case strings.HasPrefix(k, "pv") && strings.HasSuffix(k, "_u"):
			kpi.StringVolts[k] = float64(v)
		case strings.HasPrefix(k, "pv") && strings.HasSuffix(k, "_i"):
			kpi.StringAmps[k] = float64(v)
		}
	}
	return kpi
}

// dateStamp renders a day as the YYYYMMDD integer the API expects.
func dateStamp(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// monthStamp renders a month as the YYYYMM integer the API expects.
func monthStamp(year int, month time.Month) int {
	return year*100 + int(month)
}

// dayOf extracts the day of month from a response collectTime, which is
// either a millisecond epoch or a YYYYMMDD integer depending on the
// deployment.
func dayOf(collectTime int64) int {
	if collectTime > 100000000000 { // beyond any YYYYMMDD, must be epoch ms
		return time.UnixMilli(collectTime).UTC().Day()
	}
	return int(collectTime % 100)
}
