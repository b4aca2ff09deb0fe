package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aikoze/b2-smime-service/pkg/certstore"
	"github.com/Aikoze/b2-smime-service/pkg/directory"
)

func TestFetchOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{fmt.Errorf("%w: 01511@511.01.rss.fr", directory.ErrCertificateNotFound), OutcomeNotFound},
		{fmt.Errorf("%w: %w: dial", directory.ErrDirectoryUnavailable, directory.ErrTimeout), OutcomeTimeout},
		{fmt.Errorf("%w: refused", directory.ErrDirectoryUnavailable), OutcomeUnavailable},
		{errors.New("boom"), OutcomeError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FetchOutcome(tt.err))
	}
}

func TestMetrics_Recorder(t *testing.T) {
	m := New()

	m.RecordHit(certstore.TierMemory)
	m.RecordHit(certstore.TierMemory)
	m.RecordHit(certstore.TierDirectory)
	m.RecordFetch(120*time.Millisecond, nil)
	m.RecordFetch(30*time.Second, directory.ErrTimeout)
	m.RecordMessage("full", nil)
	m.RecordMessage("direct", errors.New("x"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CertificateLookups.WithLabelValues("memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CertificateLookups.WithLabelValues("directory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesComposed.WithLabelValues("full", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesComposed.WithLabelValues("direct", OutcomeError)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.DirectoryFetches))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.WatchCache(func() int { return 7 })
	m.RecordHit(certstore.TierBackend)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `b2smime_certificate_lookups_total{tier="backend"} 1`)
	assert.Contains(t, string(body), "b2smime_certificates_cached 7")
}

func TestNew_Independent(t *testing.T) {
	// Separate registries must not collide on registration.
	a, b := New(), New()
	a.RecordHit(certstore.TierMemory)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CertificateLookups.WithLabelValues("memory")))
}
