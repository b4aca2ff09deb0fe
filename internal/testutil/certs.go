// Package testutil provides certificate fixtures shared by package tests.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// IssuerCN is the common name of the test certification authority
const IssuerCN = "AC SESAM-VITALE 2034 TEST"

// Recipient is an organisation certificate and its private key
type Recipient struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
	DER  []byte
	PEM  string
}

var (
	caOnce sync.Once
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
	caErr  error
)

func authority() (*x509.Certificate, *rsa.PrivateKey, error) {
	caOnce.Do(func() {
		caKey, caErr = rsa.GenerateKey(rand.Reader, 2048)
		if caErr != nil {
			return
		}
		template := &x509.Certificate{
			SerialNumber: big.NewInt(1),
			Subject: pkix.Name{
				Organization: []string{"GIE SESAM-Vitale"},
				CommonName:   IssuerCN,
			},
			NotBefore:             time.Now().Add(-time.Hour),
			NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
			KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
			BasicConstraintsValid: true,
			IsCA:                  true,
		}
		var der []byte
		der, caErr = x509.CreateCertificate(rand.Reader, template, template, &caKey.PublicKey, caKey)
		if caErr != nil {
			return
		}
		caCert, caErr = x509.ParseCertificate(der)
	})
	return caCert, caKey, caErr
}

// NewRecipient issues an RSA certificate for the given common name, signed by
// the shared test authority.
func NewRecipient(t testing.TB, commonName string, serial int64) *Recipient {
	t.Helper()

	ca, signer, err := authority()
	require.NoError(t, err)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject: pkix.Name{
			Organization: []string{"CPAM"},
			CommonName:   commonName,
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca, &key.PublicKey, signer)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &Recipient{
		Cert: cert,
		Key:  key,
		DER:  der,
		PEM:  string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
	}
}

// WriteCertificate writes r as {dir}/{code}.pem.
func WriteCertificate(t testing.TB, dir, code string, r *Recipient) string {
	t.Helper()

	path := filepath.Join(dir, code+".pem")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(path, []byte(r.PEM), 0o644))
	return path
}
