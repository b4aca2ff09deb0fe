package smime

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/Aikoze/b2-smime-service/pkg/certificate"
)

// Object identifiers
var (
	OIDData          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDEnvelopedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 3}
	OIDRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDAES128CBC     = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 2}
)

const (
	// keySize is the AES-128 content encryption key length
	keySize = 16

	// LineLength is the width of the base64 lines produced by Envelope
	LineLength = 64
)

// ErrUnsupportedKey is returned for recipients without an RSA public key
var ErrUnsupportedKey = errors.New("recipient public key is not RSA")

// EnvelopeError reports the stage at which enveloping failed
type EnvelopeError struct {
	Stage string
	Err   error
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("envelope: %s: %v", e.Stage, e.Err)
}

func (e *EnvelopeError) Unwrap() error {
	return e.Err
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue
}

type envelopedData struct {
	Version              int
	RecipientInfos       []keyTransRecipientInfo `asn1:"set"`
	EncryptedContentInfo encryptedContentInfo
}

type keyTransRecipientInfo struct {
	Version                int
	IssuerAndSerialNumber  issuerAndSerialNumber
	KeyEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedKey           []byte
}

type issuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

type encryptedContentInfo struct {
	ContentType                asn1.ObjectIdentifier
	ContentEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedContent           asn1.RawValue
}

// Envelope encrypts payload for the holder of cert and returns the
// EnvelopedData as wrapped base64 text.
func Envelope(payload []byte, cert certificate.Certificate) (string, error) {
	recipient, err := certificate.Parse(cert.PEM)
	if err != nil {
		return "", &EnvelopeError{Stage: "parse certificate", Err: err}
	}

	der, err := EnvelopeDER(payload, recipient)
	if err != nil {
		return "", err
	}
	return Armor(der), nil
}

// EnvelopeDER encrypts payload for recipient and returns the DER encoded
// ContentInfo.
func EnvelopeDER(payload []byte, recipient *x509.Certificate) ([]byte, error) {
	if recipient == nil {
		return nil, &EnvelopeError{Stage: "parse certificate", Err: certificate.ErrMalformedCertificate}
	}
	pub, ok := recipient.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, &EnvelopeError{Stage: "wrap key", Err: fmt.Errorf("%w: %T", ErrUnsupportedKey, recipient.PublicKey)}
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, &EnvelopeError{Stage: "generate key", Err: err}
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, &EnvelopeError{Stage: "generate key", Err: err}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &EnvelopeError{Stage: "encrypt content", Err: err}
	}
	padded := pad(payload, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	encryptedKey, err := rsa.EncryptPKCS1v15(rand.Reader, pub, key)
	if err != nil {
		return nil, &EnvelopeError{Stage: "wrap key", Err: err}
	}

	rawIV, err := asn1.Marshal(iv)
	if err != nil {
		return nil, &EnvelopeError{Stage: "marshal", Err: err}
	}

	ed := envelopedData{
		Version: 0,
		RecipientInfos: []keyTransRecipientInfo{{
			Version: 0,
			IssuerAndSerialNumber: issuerAndSerialNumber{
				Issuer:       asn1.RawValue{FullBytes: recipient.RawIssuer},
				SerialNumber: recipient.SerialNumber,
			},
			KeyEncryptionAlgorithm: pkix.AlgorithmIdentifier{
				Algorithm:  OIDRSAEncryption,
				Parameters: asn1.NullRawValue,
			},
			EncryptedKey: encryptedKey,
		}},
		EncryptedContentInfo: encryptedContentInfo{
			ContentType: OIDData,
			ContentEncryptionAlgorithm: pkix.AlgorithmIdentifier{
				Algorithm:  OIDAES128CBC,
				Parameters: asn1.RawValue{FullBytes: rawIV},
			},
			// [0] IMPLICIT OCTET STRING
			EncryptedContent: asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, Bytes: ciphertext},
		},
	}

	inner, err := asn1.Marshal(ed)
	if err != nil {
		return nil, &EnvelopeError{Stage: "marshal", Err: err}
	}

	der, err := asn1.Marshal(contentInfo{
		ContentType: OIDEnvelopedData,
		// [0] EXPLICIT
		Content: asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner},
	})
	if err != nil {
		return nil, &EnvelopeError{Stage: "marshal", Err: err}
	}
	return der, nil
}

// Armor base64 encodes der in lines of LineLength characters joined by CRLF.
func Armor(der []byte) string {
	return Wrap(base64.StdEncoding.EncodeToString(der), LineLength, "\r\n")
}

// Wrap splits text into lines of at most width characters joined by sep.
// Existing CR and LF characters are removed first. Lines end on rune
// boundaries; bytes that are not valid UTF-8 count as one character each.
func Wrap(text string, width int, sep string) string {
	text = strings.NewReplacer("\r", "", "\n", "").Replace(text)
	if width <= 0 || utf8.RuneCountInString(text) <= width {
		return text
	}

	var b strings.Builder
	b.Grow(len(text) + (len(text)/width)*len(sep))
	start, n := 0, 0
	for i := range text {
		if n == width {
			b.WriteString(text[start:i])
			b.WriteString(sep)
			start, n = i, 0
		}
		n++
	}
	b.WriteString(text[start:])
	return b.String()
}

// pad applies PKCS#7 padding. A full block is added when data is already
// aligned.
func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}
