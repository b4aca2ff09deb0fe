package certstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Aikoze/b2-smime-service/pkg/certificate"
	"github.com/Aikoze/b2-smime-service/pkg/directory"
	"github.com/Aikoze/b2-smime-service/pkg/organisme"
)

var (
	// ErrCertificateUnavailable is matched by every *UnavailableError
	ErrCertificateUnavailable = errors.New("certificate unavailable")
	// ErrNoFetcher is returned by New when no directory fetcher is configured
	ErrNoFetcher = errors.New("certstore: directory fetcher is required")
)

// UnavailableError reports that no certificate could be obtained for Code
type UnavailableError struct {
	Code string
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("certificate unavailable for %s: %v", e.Code, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrCertificateUnavailable) hold
func (e *UnavailableError) Is(target error) bool {
	return target == ErrCertificateUnavailable
}

// Tier names the cache level that answered a lookup
type Tier string

const (
	TierMemory    Tier = "memory"
	TierBackend   Tier = "backend"
	TierDirectory Tier = "directory"
)

// Recorder receives cache observations. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RecordHit(tier Tier)
	RecordFetch(elapsed time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordHit(Tier)                   {}
func (nopRecorder) RecordFetch(time.Duration, error) {}

// Config holds store configuration
type Config struct {
	// Backend is the persistent tier. Defaults to a FileBackend in
	// DefaultCertDir.
	Backend Backend

	// BundledDir holds read-only certificates shipped with the service.
	// Empty disables bundled preloading.
	BundledDir string

	// Fetcher answers lookups that miss both cache tiers.
	Fetcher directory.Fetcher

	// Recorder receives hit and fetch observations. Optional.
	Recorder Recorder

	// Logger for store events. Defaults to a no-op logger.
	Logger *zerolog.Logger
}

// DefaultCertDir is the persistent certificate directory used when no
// backend is configured
const DefaultCertDir = "/app/certificates"

// Store is the three-tier certificate cache.
type Store struct {
	backend    Backend
	bundledDir string
	fetcher    directory.Fetcher
	recorder   Recorder
	logger     zerolog.Logger

	mu    sync.RWMutex
	certs map[string]certificate.Certificate

	flights singleflight.Group
}

// New creates a store. Nothing is read until Preload or Get is called.
func New(cfg Config) (*Store, error) {
	if cfg.Fetcher == nil {
		return nil, ErrNoFetcher
	}
	if cfg.Backend == nil {
		cfg.Backend = NewFileBackend(DefaultCertDir)
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Store{
		backend:    cfg.Backend,
		bundledDir: cfg.BundledDir,
		fetcher:    cfg.Fetcher,
		recorder:   cfg.Recorder,
		logger:     logger.With().Str("component", "certstore").Logger(),
		certs:      make(map[string]certificate.Certificate),
	}, nil
}

// Get returns the certificate of the organisation identified by rawCode.
//
// Callers that miss the memory tier concurrently for the same organisation
// share one backend read and at most one directory query. If ctx is done
// before the lookup completes, Get returns ctx.Err() while the shared lookup
// carries on for the remaining callers.
func (s *Store) Get(ctx context.Context, rawCode string) (certificate.Certificate, error) {
	id := organisme.Normalize(rawCode)
	code := id.FullCode()

	if cert, ok := s.lookup(code); ok {
		s.recorder.RecordHit(TierMemory)
		return cert, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := s.flights.DoChan(code, func() (any, error) {
		return s.resolve(detached, id)
	})

	select {
	case <-ctx.Done():
		return certificate.Certificate{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return certificate.Certificate{}, res.Err
		}
		return res.Val.(certificate.Certificate), nil
	}
}

// resolve runs the backend and directory tiers for one flight.
func (s *Store) resolve(ctx context.Context, id organisme.Identifier) (certificate.Certificate, error) {
	code := id.FullCode()
	log := s.logger.With().Str("organisme", code).Logger()

	// A flight that finished just before this one started may have filled it.
	if cert, ok := s.lookup(code); ok {
		s.recorder.RecordHit(TierMemory)
		return cert, nil
	}

	pemText, err := s.backend.Load(ctx, code)
	switch {
	case err == nil:
		cert := s.insert(certificate.Certificate{Code: code, PEM: pemText})
		s.recorder.RecordHit(TierBackend)
		log.Debug().Msg("certificate loaded from persistent store")
		return cert, nil
	case errors.Is(err, ErrNotFound):
	default:
		log.Warn().Err(err).Msg("persistent store read failed, querying directory")
	}

	log.Info().Msg("fetching certificate from directory")
	start := time.Now()
	der, err := s.fetcher.FetchCertificate(ctx, id)
	s.recorder.RecordFetch(time.Since(start), err)
	if err != nil {
		log.Error().Err(err).Msg("directory lookup failed")
		return certificate.Certificate{}, &UnavailableError{Code: code, Err: err}
	}

	pemText, err = certificate.DERToPEM(der)
	if err != nil {
		return certificate.Certificate{}, &UnavailableError{Code: code, Err: err}
	}

	s.describe(log, pemText)

	if err := s.backend.Save(ctx, code, pemText); err != nil {
		if errors.Is(err, ErrExists) {
			// Another process persisted it first; its copy is authoritative.
			if stored, loadErr := s.backend.Load(ctx, code); loadErr == nil {
				pemText = stored
			}
		} else {
			log.Warn().Err(err).Msg("failed to persist certificate")
		}
	}

	cert := s.insert(certificate.Certificate{Code: code, PEM: pemText})
	s.recorder.RecordHit(TierDirectory)
	return cert, nil
}

// describe logs the certificate metadata. Parse failures are reported but
// never fail the lookup.
func (s *Store) describe(log zerolog.Logger, pemText string) {
	meta, err := certificate.ParseMetadata(pemText)
	if err != nil {
		log.Warn().Err(err).Msg("certificate metadata unreadable")
		return
	}
	log.Info().
		Str("subject", meta.SubjectCN).
		Str("issuer", meta.IssuerCN).
		Time("not_after", meta.NotAfter).
		Bool("valid", meta.ValidAt(time.Now())).
		Msg("certificate fetched from directory")
}

func (s *Store) lookup(code string) (certificate.Certificate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.certs[code]
	return cert, ok
}

// insert adds cert unless its code is already cached and returns the cached
// entry.
func (s *Store) insert(cert certificate.Certificate) certificate.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.certs[cert.Code]; ok {
		return existing
	}
	s.certs[cert.Code] = cert
	return cert
}

// Add caches a certificate supplied out of band, such as one injected
// through the environment. It reports false when the organisation is already
// cached; the cached entry is kept.
func (s *Store) Add(rawCode, pemText string) (bool, error) {
	if _, err := certificate.PEMToDER(pemText); err != nil {
		return false, err
	}
	code := organisme.Normalize(rawCode).FullCode()
	cert := certificate.Certificate{Code: code, PEM: pemText}
	return s.insert(cert) == cert, nil
}

// Len returns the number of cached certificates
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.certs)
}

// Codes returns the sorted full codes of the cached certificates
func (s *Store) Codes() []string {
	s.mu.RLock()
	codes := make([]string, 0, len(s.certs))
	for code := range s.certs {
		codes = append(codes, code)
	}
	s.mu.RUnlock()

	sort.Strings(codes)
	return codes
}

// Certificates returns the cached certificates ordered by code
func (s *Store) Certificates() []certificate.Certificate {
	s.mu.RLock()
	certs := make([]certificate.Certificate, 0, len(s.certs))
	for _, cert := range s.certs {
		certs = append(certs, cert)
	}
	s.mu.RUnlock()

	sort.Slice(certs, func(i, j int) bool { return certs[i].Code < certs[j].Code })
	return certs
}

// Backend returns the persistent tier
func (s *Store) Backend() Backend {
	return s.backend
}
