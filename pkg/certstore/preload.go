package certstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/Aikoze/b2-smime-service/pkg/certificate"
)

// SyncReport counts the outcome of copying bundled certificates into the
// persistent tier
type SyncReport struct {
	Copied   int
	Existing int
	Failed   int
}

// Preload fills the memory tier from the bundled directory and the backend,
// then copies bundled certificates missing from the backend. It returns the
// number of certificates now cached. Unreadable entries are logged and
// skipped.
func (s *Store) Preload(ctx context.Context) int {
	bundled, err := s.bundledCodes()
	if err != nil {
		s.logger.Warn().Err(err).Str("dir", s.bundledDir).Msg("cannot list bundled certificates")
	}

	stored, err := s.backend.List(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cannot list persistent certificates")
	}

	inBundle := make(map[string]bool, len(bundled))
	for _, code := range bundled {
		inBundle[code] = true
	}

	loaded := 0
	seen := make(map[string]bool)
	for _, code := range append(stored, bundled...) {
		if seen[code] {
			continue
		}
		seen[code] = true

		pemText, err := s.backend.Load(ctx, code)
		if err != nil && inBundle[code] {
			pemText, err = s.readBundled(code)
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("organisme", code).Msg("skipping unreadable certificate")
			continue
		}
		if _, err := certificate.PEMToDER(pemText); err != nil {
			s.logger.Warn().Err(err).Str("organisme", code).Msg("skipping malformed certificate")
			continue
		}

		s.insert(certificate.Certificate{Code: code, PEM: pemText})
		loaded++
	}

	report := s.Sync(ctx)
	s.logger.Info().
		Int("loaded", loaded).
		Int("synced", report.Copied).
		Int("sync_failed", report.Failed).
		Msg("certificates preloaded")

	return loaded
}

// Sync copies every bundled certificate that the backend does not hold yet.
// Stored certificates are never overwritten.
func (s *Store) Sync(ctx context.Context) SyncReport {
	var report SyncReport
	if s.bundledDir == "" || s.sameAsBackend() {
		return report
	}

	codes, err := s.bundledCodes()
	if err != nil {
		s.logger.Warn().Err(err).Str("dir", s.bundledDir).Msg("cannot list bundled certificates")
		return report
	}

	for _, code := range codes {
		pemText, err := s.readBundled(code)
		if err != nil {
			s.logger.Warn().Err(err).Str("organisme", code).Msg("cannot read bundled certificate")
			report.Failed++
			continue
		}

		err = s.backend.Save(ctx, code, pemText)
		switch {
		case err == nil:
			s.logger.Debug().Str("organisme", code).Msg("bundled certificate synchronised")
			report.Copied++
		case errors.Is(err, ErrExists):
			report.Existing++
		default:
			s.logger.Warn().Err(err).Str("organisme", code).Msg("cannot synchronise bundled certificate")
			report.Failed++
		}
	}
	return report
}

func (s *Store) bundledCodes() ([]string, error) {
	if s.bundledDir == "" {
		return nil, nil
	}
	return listCodes(s.bundledDir)
}

func (s *Store) readBundled(code string) (string, error) {
	path := filepath.Join(s.bundledDir, code+".pem")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &StorageError{Op: "read", Path: path, Err: err}
	}
	return string(data), nil
}

// sameAsBackend reports whether the bundled directory is the file backend's
// own directory.
func (s *Store) sameAsBackend() bool {
	fb, ok := s.backend.(interface{ Dir() string })
	if !ok {
		return false
	}
	a, errA := filepath.Abs(s.bundledDir)
	b, errB := filepath.Abs(fb.Dir())
	return errA == nil && errB == nil && a == b
}
