package b2

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Aikoze/b2-smime-service/pkg/certificate"
	"github.com/Aikoze/b2-smime-service/pkg/organisme"
	"github.com/Aikoze/b2-smime-service/pkg/smime"
)

const (
	// DefaultCipherID is the X-SV_CHIFFREMENT value announcing the sending
	// software and its encryption profile
	DefaultCipherID = "HERO#Heroad#1.40#A#2"

	// DefaultMessageIDDomain is the right-hand side of generated Message-IDs
	DefaultMessageIDDomain = "heroad.io"

	// DateLayout formats the Date header, always in GMT
	DateLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

	// ContentLineLength is the width of the attachment's base64 lines
	ContentLineLength = 76

	crlf = "\r\n"
)

// ErrMissingParameter is matched by every *MissingParameterError
var ErrMissingParameter = errors.New("missing required parameter")

// MissingParameterError names the first absent composition field
type MissingParameterError struct {
	Field string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing required parameter: %s", e.Field)
}

// Is makes errors.Is(err, ErrMissingParameter) hold
func (e *MissingParameterError) Is(target error) bool {
	return target == ErrMissingParameter
}

// ErrInvalidParameter is matched by every *InvalidParameterError
var ErrInvalidParameter = errors.New("invalid parameter")

// InvalidParameterError names a field whose value cannot be written into a
// header line
type InvalidParameterError struct {
	Field  string
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidParameter) hold
func (e *InvalidParameterError) Is(target error) bool {
	return target == ErrInvalidParameter
}

// RequiredFields lists the Request fields Compose insists on, in the order
// they are checked
var RequiredFields = []string{"from", "to", "subject", "fileContent", "fileName", "organisme"}

// CertificateSource resolves an organisation code to its certificate.
// *certstore.Store implements it.
type CertificateSource interface {
	Get(ctx context.Context, rawCode string) (certificate.Certificate, error)
}

// Request carries the parameters of a full message
type Request struct {
	From        string
	To          string
	Subject     string
	FileContent string // base64 attachment content
	FileName    string
	Organisme   string

	// MessageID and Boundary are generated when empty
	MessageID string
	Boundary  string
}

// Message is a composed message
type Message struct {
	ID         string
	Boundary   string
	Identifier organisme.Identifier
	Text       string
}

// Composer builds interchange messages
type Composer struct {
	source   CertificateSource
	cipherID string
	domain   string
	now      func() time.Time
	logger   zerolog.Logger
}

// Option configures a Composer
type Option func(*Composer)

// WithCipherID overrides the X-SV_CHIFFREMENT header value
func WithCipherID(id string) Option {
	return func(c *Composer) {
		c.cipherID = id
	}
}

// WithMessageIDDomain overrides the domain of generated Message-IDs
func WithMessageIDDomain(domain string) Option {
	return func(c *Composer) {
		c.domain = domain
	}
}

// WithClock sets the time source used for the Date header and generated
// identifiers
func WithClock(now func() time.Time) Option {
	return func(c *Composer) {
		c.now = now
	}
}

// WithLogger sets the composer logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Composer) {
		c.logger = logger
	}
}

// NewComposer creates a composer resolving certificates through source
func NewComposer(source CertificateSource, opts ...Option) *Composer {
	c := &Composer{
		source:   source,
		cipherID: DefaultCipherID,
		domain:   DefaultMessageIDDomain,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "composer").Logger()
	return c
}

// Direct envelopes body for organisation code and prefixes it with the
// S/MIME part headers.
func (c *Composer) Direct(ctx context.Context, code string, body []byte) (*Message, error) {
	if code == "" {
		return nil, &MissingParameterError{Field: "organisme"}
	}
	if len(body) == 0 {
		return nil, &MissingParameterError{Field: "message"}
	}

	id, err := organisme.Parse(code)
	if err != nil {
		return nil, err
	}
	encrypted, err := c.encrypt(ctx, id, body)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString(`Content-Type: application/pkcs7-mime; smime-type=enveloped-data; name="smime.p7m"` + crlf)
	b.WriteString("Content-Transfer-Encoding: base64" + crlf)
	b.WriteString(`Content-Disposition: attachment; filename="smime.p7m"` + crlf)
	b.WriteString("Content-Description: S/MIME Encrypted Message" + crlf)
	b.WriteString(crlf)
	b.WriteString(encrypted)

	c.logger.Debug().Str("organisme", id.FullCode()).Int("bytes", len(body)).Msg("direct message encrypted")

	return &Message{Identifier: id, Text: b.String()}, nil
}

// Compose builds the full interchange message for req.
func (c *Composer) Compose(ctx context.Context, req Request) (*Message, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	id, err := organisme.Parse(req.Organisme)
	if err != nil {
		return nil, err
	}

	now := c.now()
	msg := &Message{
		ID:         req.MessageID,
		Boundary:   req.Boundary,
		Identifier: id,
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("<%d.%s@%s>", now.UnixMilli(), randomToken(), c.domain)
	}
	if msg.Boundary == "" {
		msg.Boundary = fmt.Sprintf("----=_Part_%d_%s", now.UnixMilli(), randomToken())
	}

	encrypted, err := c.encrypt(ctx, msg.Identifier, []byte(Attachment(req.FileName, req.FileContent)))
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	header := func(line string) {
		b.WriteString(line)
		b.WriteString(crlf)
	}
	header("From: " + req.From)
	header("Subject: " + req.Subject)
	header("Content-Description: IRIS/B2/Z")
	header("Content-Type: Application/EDI-consent")
	header("Content-Transfer-Encoding: base64")
	header("X-SV_CHIFFREMENT: " + c.cipherID)
	header("Message-ID: " + msg.ID)
	header("MIME-Version: 1.0")
	header("Date: " + now.UTC().Format(DateLayout))
	header("To: " + req.To)
	header("Content-Transfer-Encoding: base64")
	header("Content-Disposition: attachment; name=smime.p7m")
	header("Content-Type: application/pkcs7-mime; smime-type=enveloped-data;")
	header(" name=smime.p7m")
	b.WriteString(crlf)
	b.WriteString(encrypted)
	msg.Text = b.String()

	c.logger.Info().
		Str("organisme", msg.Identifier.FullCode()).
		Str("message_id", msg.ID).
		Str("file", req.FileName).
		Msg("interchange message composed")

	return msg, nil
}

// Validate reports the first missing required field, then the first value
// that would break the header block. The organisation code is checked by
// organisme.Parse.
func (r Request) Validate() error {
	values := []string{r.From, r.To, r.Subject, r.FileContent, r.FileName, r.Organisme}
	for i, v := range values {
		if v == "" {
			return &MissingParameterError{Field: RequiredFields[i]}
		}
	}

	headers := []struct{ field, value string }{
		{"from", r.From},
		{"to", r.To},
		{"subject", r.Subject},
		{"fileName", r.FileName},
		{"messageId", r.MessageID},
		{"boundary", r.Boundary},
	}
	for _, h := range headers {
		if strings.ContainsAny(h.value, "\r\n") {
			return &InvalidParameterError{Field: h.field, Reason: "line break in header value"}
		}
	}
	if strings.ContainsAny(r.FileName, `"\`) {
		return &InvalidParameterError{Field: "fileName", Reason: "quote or backslash in quoted filename"}
	}
	return nil
}

// Attachment builds the Application/EDI-consent part that gets encrypted.
func Attachment(fileName, content string) string {
	var b strings.Builder
	b.WriteString("Content-Type: Application/EDI-consent" + crlf)
	b.WriteString("Content-Transfer-Encoding: base64" + crlf)
	b.WriteString("Content-Description: IRIS/B2/Z" + crlf)
	b.WriteString(`Content-Disposition: attachment; filename="` + fileName + `"` + crlf)
	b.WriteString(crlf)
	b.WriteString(smime.Wrap(content, ContentLineLength, crlf))
	return b.String()
}

func (c *Composer) encrypt(ctx context.Context, id organisme.Identifier, payload []byte) (string, error) {
	cert, err := c.source.Get(ctx, id.FullCode())
	if err != nil {
		return "", fmt.Errorf("organisme %s: %w", id.FullCode(), err)
	}

	encrypted, err := smime.Envelope(payload, cert)
	if err != nil {
		return "", fmt.Errorf("organisme %s: %w", id.FullCode(), err)
	}
	return encrypted, nil
}

// randomToken returns a short base36 random token
func randomToken() string {
	id := uuid.New()
	return strconv.FormatUint(binary.BigEndian.Uint64(id[:8]), 36)
}
