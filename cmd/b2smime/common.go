package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/urfave/cli"

	"github.com/Aikoze/b2-smime-service/internal/config"
	"github.com/Aikoze/b2-smime-service/internal/logging"
	"github.com/Aikoze/b2-smime-service/internal/storage/mongodb"
	"github.com/Aikoze/b2-smime-service/internal/storage/redis"
	"github.com/Aikoze/b2-smime-service/pkg/certificate"
	"github.com/Aikoze/b2-smime-service/pkg/certstore"
	"github.com/Aikoze/b2-smime-service/pkg/directory"
)

// environment is what every command starts from
type environment struct {
	config *config.Config
	logger zerolog.Logger
}

func setup(c *cli.Context) (*environment, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := c.GlobalString("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return &environment{config: cfg, logger: logger}, nil
}

// backend opens the configured persistent tier. The returned closer is never
// nil.
func (e *environment) backend(ctx context.Context) (certstore.Backend, func(), error) {
	switch e.config.Storage.Type {
	case "mongodb":
		mcfg := e.config.Storage.MongoDB
		store, err := mongodb.NewStore(ctx, &mongodb.Config{
			URI:        mcfg.URI,
			Database:   mcfg.Database,
			Collection: mcfg.Collection,
		})
		if err != nil {
			return nil, func() {}, fmt.Errorf("connecting to MongoDB: %w", err)
		}
		closer := func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.Close(closeCtx); err != nil {
				e.logger.Warn().Err(err).Msg("closing MongoDB connection")
			}
		}
		return store, closer, nil
	case "redis":
		store, err := redis.NewStore(ctx, &redis.Config{
			URL:    e.config.Storage.Redis.URL,
			Prefix: e.config.Storage.Redis.Prefix,
		})
		if err != nil {
			return nil, func() {}, fmt.Errorf("connecting to Redis: %w", err)
		}
		closer := func() {
			if err := store.Close(); err != nil {
				e.logger.Warn().Err(err).Msg("closing Redis connection")
			}
		}
		return store, closer, nil
	default:
		return certstore.NewFileBackend(e.config.Certificates.Dir), func() {}, nil
	}
}

func (e *environment) fetcher() *directory.LDAPClient {
	dcfg := e.config.Directory
	return directory.NewLDAPClient(directory.Config{
		URL:       dcfg.URL,
		BaseDN:    dcfg.BaseDN,
		Domain:    dcfg.Domain,
		Attribute: dcfg.Attribute,
		Timeout:   dcfg.Timeout,
		DNSServer: dcfg.DNSServer,
		Logger:    &e.logger,
	})
}

// store builds the certificate store over the configured backend and
// directory. recorder may be nil.
func (e *environment) store(ctx context.Context, recorder certstore.Recorder) (*certstore.Store, func(), error) {
	backend, closer, err := e.backend(ctx)
	if err != nil {
		return nil, closer, err
	}

	store, err := certstore.New(certstore.Config{
		Backend:    backend,
		BundledDir: e.config.Certificates.BundledDir,
		Fetcher:    e.fetcher(),
		Recorder:   recorder,
		Logger:     &e.logger,
	})
	if err != nil {
		closer()
		return nil, func() {}, err
	}
	return store, closer, nil
}

// seedInline caches the certificates given inline in the configuration.
func (e *environment) seedInline(store *certstore.Store) {
	for _, code := range e.config.InlineCodes() {
		added, err := store.Add(code, e.config.Certificates.Inline[code])
		if err != nil {
			e.logger.Warn().Err(err).Str("organisme", code).Msg("ignoring malformed inline certificate")
			continue
		}
		if added {
			e.logger.Info().Str("organisme", code).Msg("inline certificate loaded")
		}
	}
}

func printCertificate(cert certificate.Certificate) {
	meta, err := cert.Metadata()
	if err != nil {
		fmt.Printf("%s  unreadable certificate: %v\n", cert.Code, err)
		return
	}

	fmt.Printf("Organisme: %s\n", cert.Code)
	fmt.Printf("Subject:   %s\n", meta.SubjectCN)
	fmt.Printf("Issuer:    %s\n", meta.IssuerCN)
	fmt.Printf("Serial:    %x\n", meta.SerialNumber)
	fmt.Printf("NotBefore: %s\n", humanize.Time(meta.NotBefore))
	fmt.Printf("NotAfter:  %s (%s)\n", humanize.Time(meta.NotAfter), meta.NotAfter.UTC().Format(time.RFC3339))
	if !meta.ValidAt(time.Now()) {
		fmt.Printf("Status:    NOT VALID\n")
	}
}
