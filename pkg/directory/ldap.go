package directory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"

	"github.com/Aikoze/b2-smime-service/pkg/organisme"
)

// searcher is the subset of *ldap.Conn used by the client
type searcher interface {
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	SetTimeout(timeout time.Duration)
	Close() error
}

type dialFunc func(ctx context.Context, rawURL string, timeout time.Duration) (searcher, error)

// LDAPClient fetches certificates with an anonymous LDAP search
type LDAPClient struct {
	config   Config
	logger   zerolog.Logger
	resolver *DNSResolver
	dial     dialFunc
}

// NewLDAPClient creates a new LDAP client. Zero fields of config take the
// SESAM-Vitale defaults.
func NewLDAPClient(config Config) *LDAPClient {
	config.applyDefaults()

	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	c := &LDAPClient{
		config: config,
		logger: logger.With().Str("component", "directory").Logger(),
		dial:   dialLDAP,
	}
	if config.DNSServer != "" {
		c.resolver = NewDNSResolver(config.DNSServer)
	}
	return c
}

// Config returns the effective configuration.
func (c *LDAPClient) Config() Config {
	return c.config
}

// Query returns the search that FetchCertificate issues for id.
func (c *LDAPClient) Query(id organisme.Identifier) Query {
	return NewQuery(id, c.config.BaseDN, c.config.Domain, c.config.Attribute)
}

// FetchCertificate searches the directory for the certificate of id and
// returns its DER bytes. The first entry carrying a non-empty certificate
// attribute wins. The connection is closed before returning.
func (c *LDAPClient) FetchCertificate(ctx context.Context, id organisme.Identifier) ([]byte, error) {
	query := c.Query(id)
	log := c.logger.With().Str("organisme", id.FullCode()).Str("filter", query.Filter).Logger()

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	target, err := c.resolveURL(ctx)
	if err != nil {
		return nil, classify(ctx, err)
	}

	start := time.Now()
	log.Debug().Str("url", target).Msg("querying directory")

	conn, err := c.dial(ctx, target, c.config.Timeout)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer conn.Close()

	// Abandoning the context tears the connection down so Search returns.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetTimeout(c.config.Timeout)

	req := ldap.NewSearchRequest(
		query.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0,
		int(c.config.Timeout/time.Second),
		false,
		query.Filter,
		[]string{query.Attribute},
		nil,
	)

	result, err := conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, fmt.Errorf("%w: %s", ErrCertificateNotFound, query.LookupKey)
		}
		return nil, classify(ctx, err)
	}

	for _, entry := range result.Entries {
		if der := certificateValue(entry, query.Attribute); len(der) > 0 {
			log.Debug().
				Str("dn", entry.DN).
				Dur("elapsed", time.Since(start)).
				Msg("certificate found in directory")
			return der, nil
		}
	}

	log.Debug().Int("entries", len(result.Entries)).Msg("no certificate in directory")
	return nil, fmt.Errorf("%w: %s", ErrCertificateNotFound, query.LookupKey)
}

// resolveURL swaps the directory host for its address when a DNS server is
// configured.
func (c *LDAPClient) resolveURL(ctx context.Context) (string, error) {
	if c.resolver == nil {
		return c.config.URL, nil
	}

	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid directory URL: %w", err)
	}

	host, port := u.Hostname(), u.Port()
	if net.ParseIP(host) != nil {
		return c.config.URL, nil
	}

	addr, err := c.resolver.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}

	if port == "" {
		port = "389"
	}
	u.Host = net.JoinHostPort(addr, port)
	return u.String(), nil
}

// certificateValue returns the first value of attribute in entry. Servers
// may return the attribute with or without its ";binary" transfer option.
func certificateValue(entry *ldap.Entry, attribute string) []byte {
	bare, _, _ := strings.Cut(attribute, ";")
	for _, attr := range entry.Attributes {
		name := attr.Name
		if !strings.EqualFold(name, attribute) && !strings.EqualFold(name, bare) {
			continue
		}
		for _, value := range attr.ByteValues {
			if len(value) > 0 {
				return value
			}
		}
	}
	return nil
}

// classify maps a transport failure onto the directory error kinds.
func classify(ctx context.Context, err error) error {
	if isTimeout(ctx, err) {
		return fmt.Errorf("%w: %w: %w", ErrDirectoryUnavailable, ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "timed out") || strings.Contains(msg, "i/o timeout")
}

// ldapConn adapts *ldap.Conn to searcher
type ldapConn struct {
	*ldap.Conn
}

func (c *ldapConn) Close() error {
	c.Conn.Close()
	return nil
}

func dialLDAP(ctx context.Context, rawURL string, timeout time.Duration) (searcher, error) {
	dialer := &net.Dialer{Timeout: timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	conn, err := ldap.DialURL(rawURL, ldap.DialWithDialer(dialer))
	if err != nil {
		return nil, err
	}
	return &ldapConn{Conn: conn}, nil
}
