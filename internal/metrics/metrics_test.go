package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("/get-files", "GET", 200, time.Millisecond)
		m.RecordHash(nil)
		m.RecordDedupRun(errors.New("x"), time.Second)
		m.RecordImage("convert", nil)
		m.RecordArchive(10)
	})
}

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordRequest("/get-files", "GET", 200, time.Millisecond)
	m.RecordRequest("/get-files", "GET", 200, time.Millisecond)
	m.RecordHash(nil)
	m.RecordHash(errors.New("read failed"))
	m.RecordArchive(512)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/get-files", "GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FilesHashed.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FilesHashed.WithLabelValues("error")))
	assert.Equal(t, 512.0, testutil.ToFloat64(m.ArchiveBytes))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.RecordDedupRun(nil, 2*time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `cabinet_dedup_runs_total{outcome="ok"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
