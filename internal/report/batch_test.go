package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solreport/solreport/internal/solar"
	"github.com/solreport/solreport/internal/solar/fusionsolar"
)

type fakeQuota struct {
	waits int
	err   error

	// cacheServed freezes the remote-call counter, mimicking a client
	// that answered everything from cache.
	cacheServed bool
	counter     int64
}

func (q *fakeQuota) WaitQuotaWindow(_ context.Context) error {
	q.waits++
	return q.err
}

func (q *fakeQuota) RemoteCalls() int64 {
	if !q.cacheServed {
		q.counter++
	}
	return q.counter
}

func newTestRunner(client MonitoringClient, quota QuotaWaiter) *Runner {
	return NewRunner(RunnerConfig{
		Extractor: newTestExtractor(client),
		Quota:     quota,
		Logger:    zerolog.Nop(),
		Year:      2025,
		Month:     time.November,
	})
}

func TestRunnerProcessesStationsSequentially(t *testing.T) {
	client := &fakeClient{
		stations: []solar.Station{{Code: "NE-01"}, {Code: "NE-02"}, {Code: "NE-03"}},
		monthKWh: map[string]float64{periodKey(2025, time.November): 1200},
	}
	quota := &fakeQuota{}

	jobs := []StationJob{{Code: "NE-01"}, {Code: "NE-02"}, {Code: "NE-03"}}
	result, err := newTestRunner(client, quota).Run(context.Background(), jobs)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Succeeded)
	assert.Equal(t, 0, result.Failed)
	require.Len(t, result.Results, 3)
	assert.NotEmpty(t, result.ID)
	assert.False(t, result.FinishedAt.Before(result.StartedAt))

	// Quota waits happen between quota-consuming stations, not before
	// the first.
	assert.Equal(t, 2, quota.waits)

	for i, job := range jobs {
		assert.Equal(t, job.Code, result.Results[i].Code)
		require.NotNil(t, result.Results[i].Report)
		assert.NoError(t, result.Results[i].Err)
	}
}

func TestRunnerSkipsWaitForCacheServedStations(t *testing.T) {
	client := &fakeClient{
		stations: []solar.Station{{Code: "NE-01"}, {Code: "NE-02"}, {Code: "NE-03"}},
		monthKWh: map[string]float64{periodKey(2025, time.November): 1200},
	}
	quota := &fakeQuota{cacheServed: true}

	result, err := newTestRunner(client, quota).Run(context.Background(), []StationJob{
		{Code: "NE-01"}, {Code: "NE-02"}, {Code: "NE-03"},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Succeeded)
	assert.Equal(t, 0, quota.waits, "a cache-served rerun must not wait out quota windows")
}

type rateLimitOnceClient struct {
	fakeClient
	rejected bool
}

func (c *rateLimitOnceClient) StationMonthKPI(ctx context.Context, stationCode string, year int, month time.Month) (float64, bool, error) {
	if !c.rejected {
		c.rejected = true
		return 0, false, &fusionsolar.RateLimitError{
			FailCode:   fusionsolar.FailCodeRateLimited,
			RetryAfter: fusionsolar.QuotaWindow,
		}
	}
	return c.fakeClient.StationMonthKPI(ctx, stationCode, year, month)
}

func TestRunnerRetriesRateLimitedStationOnce(t *testing.T) {
	client := &rateLimitOnceClient{
		fakeClient: fakeClient{
			stations: []solar.Station{{Code: "NE-01"}},
			monthKWh: map[string]float64{periodKey(2025, time.November): 1200},
		},
	}
	quota := &fakeQuota{}

	result, err := newTestRunner(client, quota).Run(context.Background(), []StationJob{{Code: "NE-01"}})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 1, quota.waits)
	require.NotNil(t, result.Results[0].Report)
	assert.Equal(t, 1200.0, result.Results[0].Report.Generation.Total.KWh)
}

func TestRunnerRecordsFailureAndContinues(t *testing.T) {
	client := &fakeClient{
		stations: []solar.Station{{Code: "NE-01"}, {Code: "NE-02"}},
		monthKWh: map[string]float64{periodKey(2025, time.November): 1200},
	}
	// Poison one station through an auth error on the KPI path.
	poisoned := &stationFailClient{fakeClient: *client, failCode: "NE-01"}
	quota := &fakeQuota{}

	result, err := newTestRunner(poisoned, quota).Run(context.Background(), []StationJob{
		{Code: "NE-01"}, {Code: "NE-02"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Error(t, result.Results[0].Err)
	assert.NoError(t, result.Results[1].Err)
	require.NotNil(t, result.Results[1].Report)
}

type stationFailClient struct {
	fakeClient
	failCode string
}

func (c *stationFailClient) StationMonthKPI(ctx context.Context, stationCode string, year int, month time.Month) (float64, bool, error) {
	if stationCode == c.failCode {
		return 0, false, errors.New("kpi fetch failed")
	}
	return c.fakeClient.StationMonthKPI(ctx, stationCode, year, month)
}

func TestRunnerAbortsOnCancelledQuotaWait(t *testing.T) {
	client := &fakeClient{
		stations: []solar.Station{{Code: "NE-01"}, {Code: "NE-02"}},
		monthKWh: map[string]float64{periodKey(2025, time.November): 1200},
	}
	quota := &fakeQuota{err: context.Canceled}

	result, err := newTestRunner(client, quota).Run(context.Background(), []StationJob{
		{Code: "NE-01"}, {Code: "NE-02"},
	})
	require.ErrorIs(t, err, context.Canceled)

	// The first station finished before the wait was cancelled.
	assert.Equal(t, 1, result.Succeeded)
	require.Len(t, result.Results, 1)
}
