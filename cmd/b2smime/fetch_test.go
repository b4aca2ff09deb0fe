package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aikoze/b2-smime-service/internal/testutil"
	"github.com/Aikoze/b2-smime-service/pkg/certstore"
	"github.com/Aikoze/b2-smime-service/pkg/organisme"
)

func TestExpiring_FileBackend(t *testing.T) {
	// Fixture certificates are valid for one year.
	recipient := testutil.NewRecipient(t, "CPAM 511", 511)

	store, err := certstore.New(certstore.Config{
		Backend: certstore.NewFileBackend(t.TempDir()),
		Fetcher: testutil.StaticFetcher(nil),
	})
	require.NoError(t, err)
	_, err = store.Add("511", recipient.PEM)
	require.NoError(t, err)

	certs, err := expiring(context.Background(), store, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, certs)

	certs, err = expiring(context.Background(), store, 2*365*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, "01511", certs[0].Code)
}

type expiringBackend struct {
	certstore.Backend
	codes []string
}

func (b expiringBackend) ExpiringBefore(context.Context, time.Time) ([]string, error) {
	return b.codes, nil
}

func TestExpiring_DelegatesToBackend(t *testing.T) {
	a := testutil.NewRecipient(t, "CPAM 511", 511)
	b := testutil.NewRecipient(t, "MGEN", 91123)

	store, err := certstore.New(certstore.Config{
		Backend: expiringBackend{Backend: certstore.NewFileBackend(t.TempDir()), codes: []string{"91123"}},
		Fetcher: testutil.StaticFetcher(nil),
	})
	require.NoError(t, err)
	for code, r := range map[string]*testutil.Recipient{"511": a, "91123": b} {
		_, err := store.Add(code, r.PEM)
		require.NoError(t, err)
	}

	certs, err := expiring(context.Background(), store, time.Hour)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, organisme.Normalize("91123").FullCode(), certs[0].Code)
}

func TestResolve(t *testing.T) {
	recipient := testutil.NewRecipient(t, "CPAM 511", 511)
	fetcher := testutil.StaticFetcher(recipient.DER)

	store, err := certstore.New(certstore.Config{
		Backend: certstore.NewFileBackend(t.TempDir()),
		Fetcher: fetcher,
	})
	require.NoError(t, err)

	_, err = resolve(context.Background(), store, "abc")
	assert.ErrorIs(t, err, organisme.ErrInvalidIdentifier)
	assert.Empty(t, fetcher.Calls())

	cert, err := resolve(context.Background(), store, "511")
	require.NoError(t, err)
	assert.Equal(t, "01511", cert.Code)
	assert.Len(t, fetcher.Calls(), 1)
}
