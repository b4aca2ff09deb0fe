package smime

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smallstep/pkcs7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aikoze/b2-smime-service/internal/testutil"
	"github.com/Aikoze/b2-smime-service/pkg/certificate"
)

func decodeArmor(t *testing.T, text string) []byte {
	t.Helper()
	der, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(text, "\r\n", ""))
	require.NoError(t, err)
	return der
}

func parseEnveloped(t *testing.T, der []byte) envelopedData {
	t.Helper()

	var ci contentInfo
	rest, err := asn1.Unmarshal(der, &ci)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.True(t, ci.ContentType.Equal(OIDEnvelopedData))

	var ed envelopedData
	_, err = asn1.Unmarshal(ci.Content.Bytes, &ed)
	require.NoError(t, err)
	return ed
}

func TestEnvelope_Format(t *testing.T) {
	r := testutil.NewRecipient(t, "CPAM 511", 511)
	payload := []byte(strings.Repeat("B2 invoice line\r\n", 40))

	text, err := Envelope(payload, certificate.Certificate{Code: "01511", PEM: r.PEM})
	require.NoError(t, err)

	assert.NotContains(t, text, "-----")
	assert.NotContains(t, text, "\n\n")
	assert.False(t, strings.HasSuffix(text, "\r\n"))

	lines := strings.Split(text, "\r\n")
	require.Greater(t, len(lines), 1)
	for i, line := range lines {
		assert.NotContains(t, line, "\n")
		if i < len(lines)-1 {
			assert.Len(t, line, LineLength)
		} else {
			assert.LessOrEqual(t, len(line), LineLength)
			assert.NotEmpty(t, line)
		}
	}
}

func TestEnvelope_NamesSingleRecipient(t *testing.T) {
	r := testutil.NewRecipient(t, "CPAM 751", 751)

	text, err := Envelope([]byte("hello"), certificate.Certificate{PEM: r.PEM})
	require.NoError(t, err)

	ed := parseEnveloped(t, decodeArmor(t, text))
	assert.Equal(t, 0, ed.Version)
	require.Len(t, ed.RecipientInfos, 1)

	ri := ed.RecipientInfos[0]
	assert.Equal(t, r.Cert.RawIssuer, ri.IssuerAndSerialNumber.Issuer.FullBytes)
	assert.Equal(t, 0, ri.IssuerAndSerialNumber.SerialNumber.Cmp(big.NewInt(751)))
	assert.True(t, ri.KeyEncryptionAlgorithm.Algorithm.Equal(OIDRSAEncryption))

	eci := ed.EncryptedContentInfo
	assert.True(t, eci.ContentType.Equal(OIDData))
	assert.True(t, eci.ContentEncryptionAlgorithm.Algorithm.Equal(OIDAES128CBC))

	var iv []byte
	_, err = asn1.Unmarshal(eci.ContentEncryptionAlgorithm.Parameters.FullBytes, &iv)
	require.NoError(t, err)
	assert.Len(t, iv, 16)

	assert.Equal(t, asn1.ClassContextSpecific, eci.EncryptedContent.Class)
	assert.Equal(t, 0, eci.EncryptedContent.Tag)
	assert.Len(t, eci.EncryptedContent.Bytes, 16, "5 bytes pad to one block")
}

func TestEnvelope_DecryptsWithRecipientKey(t *testing.T) {
	r := testutil.NewRecipient(t, "CPAM 511", 511)

	for _, size := range []int{0, 1, 15, 16, 17, 4096} {
		payload := make([]byte, size)
		_, err := rand.Read(payload)
		require.NoError(t, err)

		der, err := EnvelopeDER(payload, r.Cert)
		require.NoError(t, err)

		p7, err := pkcs7.Parse(der)
		require.NoError(t, err, "size %d", size)

		plain, err := p7.Decrypt(r.Cert, r.Key)
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, payload, plain, "size %d", size)
	}
}

func TestEnvelope_FreshParametersPerCall(t *testing.T) {
	r := testutil.NewRecipient(t, "CPAM 511", 511)
	cert := certificate.Certificate{PEM: r.PEM}
	payload := []byte("same payload every time")

	first, err := Envelope(payload, cert)
	require.NoError(t, err)
	second, err := Envelope(payload, cert)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	a := parseEnveloped(t, decodeArmor(t, first)).EncryptedContentInfo
	b := parseEnveloped(t, decodeArmor(t, second)).EncryptedContentInfo
	assert.NotEqual(t, a.ContentEncryptionAlgorithm.Parameters.FullBytes, b.ContentEncryptionAlgorithm.Parameters.FullBytes)
	assert.NotEqual(t, a.EncryptedContent.Bytes, b.EncryptedContent.Bytes)
}

func TestEnvelope_Concurrent(t *testing.T) {
	r := testutil.NewRecipient(t, "CPAM 511", 511)
	cert := certificate.Certificate{PEM: r.PEM}

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text, err := Envelope([]byte("payload"), cert)
			assert.NoError(t, err)
			results[i] = text
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, text := range results {
		assert.False(t, seen[text])
		seen[text] = true
	}
}

func TestEnvelope_Errors(t *testing.T) {
	t.Run("malformed certificate", func(t *testing.T) {
		_, err := Envelope([]byte("x"), certificate.Certificate{PEM: "garbage"})

		var envErr *EnvelopeError
		require.ErrorAs(t, err, &envErr)
		assert.Equal(t, "parse certificate", envErr.Stage)
		assert.ErrorIs(t, err, certificate.ErrMalformedCertificate)
	})

	t.Run("nil recipient", func(t *testing.T) {
		_, err := EnvelopeDER([]byte("x"), nil)
		var envErr *EnvelopeError
		assert.ErrorAs(t, err, &envErr)
	})

	t.Run("non RSA key", func(t *testing.T) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		template := &x509.Certificate{
			SerialNumber: big.NewInt(1),
			Subject:      pkix.Name{CommonName: "ec"},
			NotBefore:    time.Now(),
			NotAfter:     time.Now().Add(time.Hour),
		}
		der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
		require.NoError(t, err)
		cert, err := x509.ParseCertificate(der)
		require.NoError(t, err)

		out, err := EnvelopeDER([]byte("x"), cert)
		assert.Nil(t, out)
		assert.ErrorIs(t, err, ErrUnsupportedKey)
	})
}

func TestWrap(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		width int
		want  string
	}{
		{name: "short", text: "abc", width: 4, want: "abc"},
		{name: "exact", text: "abcd", width: 4, want: "abcd"},
		{name: "split", text: "abcdefghij", width: 4, want: "abcd\r\nefgh\r\nij"},
		{name: "existing breaks removed", text: "ab\r\ncd\nef", width: 4, want: "abcd\r\nef"},
		{name: "empty", text: "", width: 4, want: ""},
		{name: "multibyte runes kept whole", text: "éééééé", width: 4, want: "éééé\r\néé"},
		{name: "mixed width", text: "aé€b𝄞c", width: 2, want: "aé\r\n€b\r\n𝄞c"},
		{name: "invalid bytes counted singly", text: "ab\xffcd", width: 2, want: "ab\r\n\xffc\r\nd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Wrap(tt.text, tt.width, "\r\n"))
		})
	}
}

func TestPad(t *testing.T) {
	assert.Equal(t, []byte{16, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16}, pad(nil, 16))
	assert.Equal(t, append([]byte("abc"), 13, 13, 13, 13, 13, 13, 13, 13, 13, 13, 13, 13, 13), pad([]byte("abc"), 16))
	assert.Len(t, pad(make([]byte, 16), 16), 32)
}
