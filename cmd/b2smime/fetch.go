package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"

	"github.com/Aikoze/b2-smime-service/pkg/certificate"
	"github.com/Aikoze/b2-smime-service/pkg/certstore"
	"github.com/Aikoze/b2-smime-service/pkg/organisme"
)

// Fetch resolves each organisation given as argument and prints its
// certificate.
func Fetch(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("at least one organisation code is required")
	}

	env, err := setup(c)
	if err != nil {
		return err
	}
	ctx := context.Background()

	store, closer, err := env.store(ctx, nil)
	if err != nil {
		return err
	}
	defer closer()

	var failed int
	for _, code := range c.Args() {
		cert, err := resolve(ctx, store, code)
		if err != nil {
			fmt.Printf("%s: %v\n\n", code, err)
			failed++
			continue
		}
		printCertificate(cert)
		fmt.Printf("\n")
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d lookups failed", failed, c.NArg())
	}
	return nil
}

// resolve rejects malformed codes before the store, so they never reach the
// directory.
func resolve(ctx context.Context, store *certstore.Store, code string) (certificate.Certificate, error) {
	id, err := organisme.Parse(code)
	if err != nil {
		return certificate.Certificate{}, err
	}
	return store.Get(ctx, id.FullCode())
}

var FetchCommand = cli.Command{
	Name:      "fetch",
	Action:    Fetch,
	ArgsUsage: "CODE...",
	Usage:     "Resolve organisation certificates through the cache and the directory",
}

// Prefetch resolves the configured list of common organisations, pausing
// between lookups to spare the directory.
func Prefetch(c *cli.Context) error {
	env, err := setup(c)
	if err != nil {
		return err
	}
	ctx := context.Background()

	store, closer, err := env.store(ctx, nil)
	if err != nil {
		return err
	}
	defer closer()

	codes := env.config.Certificates.Prefetch
	if c.NArg() > 0 {
		codes = c.Args()
	}
	delay := env.config.Certificates.PrefetchDelay
	if c.IsSet("delay") {
		delay = c.Duration("delay")
	}

	var success, failed int
	for i, code := range codes {
		if i > 0 && delay > 0 {
			time.Sleep(delay)
		}

		if _, err := resolve(ctx, store, code); err != nil {
			fmt.Printf("FAIL %s: %v\n", code, err)
			failed++
			continue
		}
		fmt.Printf("OK   %s\n", code)
		success++
	}

	fmt.Printf("\nSucceeded: %d\nFailed:    %d\nTotal:     %d\n", success, failed, success+failed)

	stored, err := store.Backend().List(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\nStored certificates:\n")
	for _, code := range stored {
		fmt.Printf("  - %s\n", code)
	}
	return nil
}

var PrefetchCommand = cli.Command{
	Name:      "prefetch",
	Action:    Prefetch,
	ArgsUsage: "[CODE...]",
	Usage:     "Fetch the certificates of the common organisations ahead of time",
	Flags: []cli.Flag{
		cli.DurationFlag{
			Name:  "delay",
			Usage: "Pause between two directory lookups",
		},
	},
}

// expiringLister is implemented by backends that can query certificate
// expiry without reading every certificate.
type expiringLister interface {
	ExpiringBefore(ctx context.Context, t time.Time) ([]string, error)
}

// List prints the certificates available without querying the directory.
func List(c *cli.Context) error {
	env, err := setup(c)
	if err != nil {
		return err
	}
	ctx := context.Background()

	store, closer, err := env.store(ctx, nil)
	if err != nil {
		return err
	}
	defer closer()

	env.seedInline(store)
	store.Preload(ctx)

	certs := store.Certificates()
	if within := c.Duration("expiring"); within > 0 {
		certs, err = expiring(ctx, store, within)
		if err != nil {
			return err
		}
	}

	for _, cert := range certs {
		meta, err := cert.Metadata()
		if err != nil {
			fmt.Printf("%s  unreadable: %v\n", cert.Code, err)
			continue
		}
		fmt.Printf("%s  %-40s expires %s\n", cert.Code, meta.SubjectCN, humanize.Time(meta.NotAfter))
	}
	fmt.Printf("%d certificate(s)\n", len(certs))
	return nil
}

// expiring keeps the cached certificates whose validity ends within the
// given window.
func expiring(ctx context.Context, store *certstore.Store, within time.Duration) ([]certificate.Certificate, error) {
	deadline := time.Now().Add(within)
	all := store.Certificates()

	if lister, ok := store.Backend().(expiringLister); ok {
		codes, err := lister.ExpiringBefore(ctx, deadline)
		if err != nil {
			return nil, err
		}
		wanted := make(map[string]bool, len(codes))
		for _, code := range codes {
			wanted[code] = true
		}
		var certs []certificate.Certificate
		for _, cert := range all {
			if wanted[cert.Code] {
				certs = append(certs, cert)
			}
		}
		return certs, nil
	}

	var certs []certificate.Certificate
	for _, cert := range all {
		meta, err := cert.Metadata()
		if err != nil || meta.NotAfter.Before(deadline) {
			certs = append(certs, cert)
		}
	}
	return certs, nil
}

var ListCommand = cli.Command{
	Name:   "list",
	Action: List,
	Usage:  "List the certificates held by the persistent and bundled tiers",
	Flags: []cli.Flag{
		cli.DurationFlag{
			Name:  "expiring",
			Usage: "Only show certificates expiring within `DURATION`",
		},
	},
}
