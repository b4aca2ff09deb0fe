// Package certificate converts organisation certificates between their
// binary (DER) and textual (PEM) forms and extracts diagnostic metadata.
package certificate

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	// ErrEmptyDER is returned when there are no certificate bytes to encode
	ErrEmptyDER = errors.New("empty DER certificate")
	// ErrMalformedCertificate is returned when a PEM text does not decode to
	// a well-formed X.509 certificate
	ErrMalformedCertificate = errors.New("malformed certificate")
)

// PEMBlockType is the PEM block type of an X.509 certificate
const PEMBlockType = "CERTIFICATE"

// Certificate is a PEM encoded organisation certificate together with the
// full organisation code it was obtained for.
type Certificate struct {
	Code string
	PEM  string
}

// Metadata holds the fields displayed when inspecting a certificate
type Metadata struct {
	SubjectCN    string
	IssuerCN     string
	SerialNumber *big.Int
	NotBefore    time.Time
	NotAfter     time.Time
}

// ValidAt reports whether t falls inside the certificate validity window.
func (m *Metadata) ValidAt(t time.Time) bool {
	return !t.Before(m.NotBefore) && !t.After(m.NotAfter)
}

// DERToPEM wraps a DER certificate in CERTIFICATE delimiters with 64
// character base64 lines.
func DERToPEM(der []byte) (string, error) {
	if len(der) == 0 {
		return "", ErrEmptyDER
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: PEMBlockType, Bytes: der})), nil
}

// PEMToDER returns the bytes of the first CERTIFICATE block in text.
func PEMToDER(text string) ([]byte, error) {
	rest := []byte(text)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("%w: no %s PEM block found", ErrMalformedCertificate, PEMBlockType)
		}
		if block.Type == PEMBlockType {
			return block.Bytes, nil
		}
	}
}

// Parse decodes text into an X.509 certificate.
func Parse(text string) (*x509.Certificate, error) {
	der, err := PEMToDER(text)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCertificate, err)
	}
	return cert, nil
}

// ParseMetadata extracts subject, issuer and validity from text. It is used
// for diagnostics only; a failure here does not prevent the certificate from
// being handed to the envelope builder.
func ParseMetadata(text string) (*Metadata, error) {
	cert, err := Parse(text)
	if err != nil {
		return nil, err
	}
	return MetadataOf(cert), nil
}

// MetadataOf extracts metadata from a parsed certificate.
func MetadataOf(cert *x509.Certificate) *Metadata {
	return &Metadata{
		SubjectCN:    cert.Subject.CommonName,
		IssuerCN:     cert.Issuer.CommonName,
		SerialNumber: cert.SerialNumber,
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
	}
}

// X509 parses the certificate for cryptographic use.
func (c Certificate) X509() (*x509.Certificate, error) {
	return Parse(c.PEM)
}

// Metadata parses the certificate metadata.
func (c Certificate) Metadata() (*Metadata, error) {
	return ParseMetadata(c.PEM)
}

// IsZero reports whether c holds no certificate text.
func (c Certificate) IsZero() bool {
	return c.PEM == ""
}
