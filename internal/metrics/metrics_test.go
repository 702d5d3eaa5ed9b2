package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/metrics"
)

func TestRecordDispatch(t *testing.T) {
	before := testutil.ToFloat64(metrics.DispatchTotal.WithLabelValues(metrics.DispatchDuplicate))
	metrics.RecordDispatch(metrics.DispatchDuplicate)
	after := testutil.ToFloat64(metrics.DispatchTotal.WithLabelValues(metrics.DispatchDuplicate))

	assert.Equal(t, before+1, after)
}

func TestRecordProviderAttempt(t *testing.T) {
	before := testutil.ToFloat64(metrics.ProviderAttemptsTotal.WithLabelValues("ytdlp", metrics.OutcomeFailure))
	metrics.RecordProviderAttempt("ytdlp", metrics.OutcomeFailure, 1.5)

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ProviderAttemptsTotal.WithLabelValues("ytdlp", metrics.OutcomeFailure)))
}

func TestAddBytesDelivered_IgnoresNonPositive(t *testing.T) {
	before := testutil.ToFloat64(metrics.BytesDeliveredTotal)
	metrics.AddBytesDelivered(0)
	metrics.AddBytesDelivered(-5)
	metrics.AddBytesDelivered(100)

	assert.Equal(t, before+100, testutil.ToFloat64(metrics.BytesDeliveredTotal))
}

func TestSetRegistryJobs(t *testing.T) {
	metrics.SetRegistryJobs(map[string]int{"Queued": 3}, []string{"Queued", "Failed"})

	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.RegistryJobs.WithLabelValues("Queued")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.RegistryJobs.WithLabelValues("Failed")))
}

func TestPromhttpExposure(t *testing.T) {
	metrics.RecordUpload("video", metrics.OutcomeSuccess)

	srv := httptest.NewServer(promhttp.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "fetchbot_uploads_total"))
}
