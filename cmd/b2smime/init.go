package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"

	"github.com/Aikoze/b2-smime-service/pkg/certstore"
)

// Init prepares the persistent certificate volume: it checks access, copies
// the bundled certificates that are missing and records the initialisation.
func Init(c *cli.Context) error {
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

	files, isFile := store.Backend().(*certstore.FileBackend)
	if isFile {
		fmt.Printf("Certificate directory: %s\n", files.Dir())
		if err := files.EnsureDir(); err != nil {
			return err
		}
		fmt.Printf("Read and write access confirmed\n")
	}

	report := store.Sync(ctx)
	fmt.Printf("Bundled certificates from %s: %d copied, %d already present, %d failed\n",
		env.config.Certificates.BundledDir, report.Copied, report.Existing, report.Failed)

	if !isFile {
		codes, err := store.Backend().List(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("\n%d certificate(s) stored\n", len(codes))
		for _, code := range codes {
			fmt.Printf("  - %s\n", code)
		}
		return nil
	}

	inventory, err := files.Inventory()
	if err != nil {
		return err
	}
	fmt.Printf("\n%d certificate(s) in the volume\n", len(inventory))
	for _, f := range inventory {
		fmt.Printf("  - %s (%s, modified %s)\n", f.Name, humanize.Bytes(uint64(f.Size)), humanize.Time(f.ModTime))
	}

	now := time.Now()
	previous, err := files.MarkInitialized(now)
	if err != nil {
		return err
	}
	if previous != "" {
		fmt.Printf("\nPrevious initialisation: %s\n", previous)
	}
	fmt.Printf("Current initialisation:  %s\n", now.UTC().Format(time.RFC3339Nano))
	return nil
}

var InitCommand = cli.Command{
	Name:   "init",
	Action: Init,
	Usage:  "Prepare the persistent certificate volume",
}
