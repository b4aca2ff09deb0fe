package testutil

import (
	"context"
	"sync"

	"github.com/Aikoze/b2-smime-service/pkg/organisme"
)

// Fetcher is a directory stand-in that answers every lookup with DER or Err
// and records the identifiers it was asked for.
type Fetcher struct {
	DER []byte
	Err error

	mu  sync.Mutex
	ids []organisme.Identifier
}

// StaticFetcher returns a Fetcher answering every lookup with der
func StaticFetcher(der []byte) *Fetcher {
	return &Fetcher{DER: der}
}

// FetchCertificate implements directory.Fetcher
func (f *Fetcher) FetchCertificate(ctx context.Context, id organisme.Identifier) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return f.DER, f.Err
}

// Calls returns the identifiers looked up so far
func (f *Fetcher) Calls() []organisme.Identifier {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]organisme.Identifier(nil), f.ids...)
}
