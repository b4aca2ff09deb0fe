package certstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aikoze/b2-smime-service/internal/testutil"
	"github.com/Aikoze/b2-smime-service/pkg/directory"
	"github.com/Aikoze/b2-smime-service/pkg/organisme"
)

// countingFetcher answers every lookup with der and counts the calls.
type countingFetcher struct {
	der     []byte
	err     error
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	once    sync.Once
	ids     []organisme.Identifier
	mu      sync.Mutex
}

func (f *countingFetcher) FetchCertificate(ctx context.Context, id organisme.Identifier) ([]byte, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.mu.Unlock()

	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.release != nil {
		<-f.release
	}
	return f.der, f.err
}

// failingFetcher fails the test if the directory is queried.
func failingFetcher(t *testing.T) directory.Fetcher {
	return directory.FetcherFunc(func(ctx context.Context, id organisme.Identifier) ([]byte, error) {
		t.Errorf("unexpected directory lookup for %s", id.FullCode())
		return nil, directory.ErrDirectoryUnavailable
	})
}

// recorder collects observations
type recorder struct {
	mu      sync.Mutex
	hits    map[Tier]int
	fetches int
}

func (r *recorder) RecordHit(tier Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hits == nil {
		r.hits = make(map[Tier]int)
	}
	r.hits[tier]++
}

func (r *recorder) RecordFetch(time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
}

// brokenBackend fails every operation.
type brokenBackend struct{}

func (brokenBackend) Load(context.Context, string) (string, error) {
	return "", errors.New("disk on fire")
}
func (brokenBackend) Save(context.Context, string, string) error { return errors.New("disk on fire") }
func (brokenBackend) List(context.Context) ([]string, error)     { return nil, errors.New("disk on fire") }

func newStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	store, err := New(cfg)
	require.NoError(t, err)
	return store
}

func TestNew_RequiresFetcher(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoFetcher)
}

func TestStore_FetchesFromDirectoryAndPersists(t *testing.T) {
	recipient := testutil.NewRecipient(t, "CPAM 511", 511)
	dir := t.TempDir()
	fetcher := &countingFetcher{der: recipient.DER}
	rec := &recorder{}

	store := newStore(t, Config{Backend: NewFileBackend(dir), Fetcher: fetcher, Recorder: rec})

	cert, err := store.Get(context.Background(), "511")
	require.NoError(t, err)
	assert.Equal(t, "01511", cert.Code)
	assert.Equal(t, recipient.PEM, cert.PEM)

	require.Len(t, fetcher.ids, 1)
	assert.Equal(t, "01511", fetcher.ids[0].FullCode())

	data, err := os.ReadFile(filepath.Join(dir, "01511.pem"))
	require.NoError(t, err)
	assert.Equal(t, recipient.PEM, string(data))

	again, err := store.Get(context.Background(), "01511")
	require.NoError(t, err)
	assert.Equal(t, cert.PEM, again.PEM)
	assert.Equal(t, int32(1), fetcher.calls.Load())

	assert.Equal(t, 1, rec.hits[TierDirectory])
	assert.Equal(t, 1, rec.hits[TierMemory])
	assert.Equal(t, 1, rec.fetches)
}

func TestStore_ConcurrentLookupsShareOneFetch(t *testing.T) {
	recipient := testutil.NewRecipient(t, "CPAM 751", 751)
	fetcher := &countingFetcher{
		der:     recipient.DER,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	store := newStore(t, Config{Backend: NewFileBackend(t.TempDir()), Fetcher: fetcher})

	const callers = 20
	results := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cert, err := store.Get(context.Background(), "01751")
			results[i], errs[i] = cert.PEM, err
		}(i)
	}

	<-fetcher.started
	time.Sleep(20 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	assert.Equal(t, int32(1), fetcher.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, recipient.PEM, results[i])
	}
}

func TestStore_AbandonedCallerDoesNotFailOthers(t *testing.T) {
	recipient := testutil.NewRecipient(t, "CPAM 751", 751)
	fetcher := &countingFetcher{
		der:     recipient.DER,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	store := newStore(t, Config{Backend: NewFileBackend(t.TempDir()), Fetcher: fetcher})

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, err := store.Get(ctx, "751")
		abandoned <- err
	}()

	<-fetcher.started
	cancel()
	assert.ErrorIs(t, <-abandoned, context.Canceled)

	patient := make(chan error, 1)
	go func() {
		_, err := store.Get(context.Background(), "751")
		patient <- err
	}()

	close(fetcher.release)
	require.NoError(t, <-patient)
	assert.Equal(t, 1, store.Len())
}

func TestStore_ReadsPersistentTierBeforeDirectory(t *testing.T) {
	recipient := testutil.NewRecipient(t, "MGEN", 91123)
	dir := t.TempDir()
	testutil.WriteCertificate(t, dir, "91123", recipient)
	rec := &recorder{}

	store := newStore(t, Config{Backend: NewFileBackend(dir), Fetcher: failingFetcher(t), Recorder: rec})

	cert, err := store.Get(context.Background(), "91123")
	require.NoError(t, err)
	assert.Equal(t, recipient.PEM, cert.PEM)
	assert.Equal(t, 1, rec.hits[TierBackend])
}

func TestStore_DirectoryFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "not found", err: directory.ErrCertificateNotFound},
		{name: "unavailable", err: directory.ErrDirectoryUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			store := newStore(t, Config{
				Backend: NewFileBackend(dir),
				Fetcher: &countingFetcher{err: tt.err},
			})

			_, err := store.Get(context.Background(), "511")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCertificateUnavailable)
			assert.ErrorIs(t, err, tt.err)

			var unavailable *UnavailableError
			require.ErrorAs(t, err, &unavailable)
			assert.Equal(t, "01511", unavailable.Code)

			assert.Equal(t, 0, store.Len())
			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestStore_FailedLookupIsRetried(t *testing.T) {
	recipient := testutil.NewRecipient(t, "CPAM 511", 511)
	fetcher := &countingFetcher{err: directory.ErrDirectoryUnavailable}
	store := newStore(t, Config{Backend: NewFileBackend(t.TempDir()), Fetcher: fetcher})

	_, err := store.Get(context.Background(), "511")
	require.Error(t, err)

	fetcher.err = nil
	fetcher.der = recipient.DER
	cert, err := store.Get(context.Background(), "511")
	require.NoError(t, err)
	assert.Equal(t, recipient.PEM, cert.PEM)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestStore_BrokenBackendDegrades(t *testing.T) {
	recipient := testutil.NewRecipient(t, "CPAM 511", 511)
	fetcher := &countingFetcher{der: recipient.DER}
	store := newStore(t, Config{Backend: brokenBackend{}, Fetcher: fetcher})

	cert, err := store.Get(context.Background(), "511")
	require.NoError(t, err)
	assert.Equal(t, recipient.PEM, cert.PEM)

	_, err = store.Get(context.Background(), "511")
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestStore_EmptyDirectoryAnswerIsUnavailable(t *testing.T) {
	store := newStore(t, Config{Backend: NewFileBackend(t.TempDir()), Fetcher: &countingFetcher{der: nil}})

	_, err := store.Get(context.Background(), "511")
	assert.ErrorIs(t, err, ErrCertificateUnavailable)
	assert.Equal(t, 0, store.Len())
}

func TestStore_CodesAndCertificates(t *testing.T) {
	a := testutil.NewRecipient(t, "A", 1)
	b := testutil.NewRecipient(t, "B", 2)
	dir := t.TempDir()
	testutil.WriteCertificate(t, dir, "91123", a)
	testutil.WriteCertificate(t, dir, "01751", b)

	store := newStore(t, Config{Backend: NewFileBackend(dir), Fetcher: failingFetcher(t)})
	for _, code := range []string{"91123", "751"} {
		_, err := store.Get(context.Background(), code)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"01751", "91123"}, store.Codes())
	certs := store.Certificates()
	require.Len(t, certs, 2)
	assert.Equal(t, "01751", certs[0].Code)
	assert.Equal(t, b.PEM, certs[0].PEM)
}

func TestStore_Add(t *testing.T) {
	r := testutil.NewRecipient(t, "CPAM 511", 511)
	store := newStore(t, Config{Backend: NewFileBackend(t.TempDir()), Fetcher: failingFetcher(t)})

	added, err := store.Add("511", r.PEM)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = store.Add("01511", testutil.NewRecipient(t, "other", 2).PEM)
	require.NoError(t, err)
	assert.False(t, added)

	cert, err := store.Get(context.Background(), "511")
	require.NoError(t, err)
	assert.Equal(t, r.PEM, cert.PEM)

	_, err = store.Add("01751", "garbage")
	assert.Error(t, err)
}
