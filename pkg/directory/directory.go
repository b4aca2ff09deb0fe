package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"

	"github.com/Aikoze/b2-smime-service/pkg/organisme"
)

// Directory errors
var (
	// ErrCertificateNotFound is returned when the directory answered but holds
	// no certificate for the organisation
	ErrCertificateNotFound = errors.New("certificate not found in directory")
	// ErrDirectoryUnavailable is returned for DNS, connection and protocol failures
	ErrDirectoryUnavailable = errors.New("directory unavailable")
	// ErrTimeout is returned, together with ErrDirectoryUnavailable, when the
	// directory did not answer within the configured timeout
	ErrTimeout = errors.New("directory timeout")
)

// Defaults for the SESAM-Vitale directory
const (
	DefaultURL       = "ldap://annuaire.sesam-vitale.fr:389"
	DefaultBaseDN    = "ou=AC-SESAM-VITALE-2034,o=sesam-vitale,c=fr"
	DefaultDomain    = "rss.fr"
	DefaultAttribute = "userCertificate;binary"
	DefaultTimeout   = 30 * time.Second
)

// Fetcher retrieves the DER encoded certificate of an organisation.
//
// Implementations must be safe for concurrent use. Calls are independent and
// may be retried by the caller.
type Fetcher interface {
	FetchCertificate(ctx context.Context, id organisme.Identifier) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, id organisme.Identifier) ([]byte, error)

// FetchCertificate calls f.
func (f FetcherFunc) FetchCertificate(ctx context.Context, id organisme.Identifier) ([]byte, error) {
	return f(ctx, id)
}

// Config contains configuration for the LDAP client
type Config struct {
	// URL of the directory server
	// Defaults to DefaultURL
	URL string

	// BaseDN is the search base
	// Defaults to DefaultBaseDN
	BaseDN string

	// Domain is appended to the email-shaped lookup key
	// Defaults to DefaultDomain
	Domain string

	// Attribute holds the binary certificate
	// Defaults to DefaultAttribute
	Attribute string

	// Timeout bounds the connection and the whole search
	// Defaults to DefaultTimeout
	Timeout time.Duration

	// DNSServer resolves the directory host when set (format "ip:port").
	// If empty, the system resolver is used by the dialer.
	DNSServer string

	// Logger receives debug traces of directory queries (optional)
	Logger *zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.BaseDN == "" {
		c.BaseDN = DefaultBaseDN
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.Attribute == "" {
		c.Attribute = DefaultAttribute
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// Query is the directory search derived from an organisation identifier
type Query struct {
	BaseDN    string
	LookupKey string
	Filter    string
	Attribute string
}

// NewQuery builds the search for id. The result is deterministic.
func NewQuery(id organisme.Identifier, baseDN, domain, attribute string) Query {
	key := id.LookupKey(domain)
	return Query{
		BaseDN:    baseDN,
		LookupKey: key,
		Filter:    fmt.Sprintf("(cn=%s)", ldap.EscapeFilter(key)),
		Attribute: attribute,
	}
}
