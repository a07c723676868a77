// Package tls generates and loads the certificate the tunnel presents as a TLS server
package tls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	cryptotls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/pkcs12"
)

const (
	// CERTIFICATE_VALIDITY duration of certificate validity in days
	CERTIFICATE_VALIDITY = 365

	// CERT_PEM_NAME - name of the tunnel certificate
	CERT_PEM_NAME = "tunlink.pem"

	// CERT_KEY_NAME - name of the tunnel certificate private key
	CERT_KEY_NAME = "tunlink.key"
)

// ErrNoPrivateKey - certificate file carries no usable private key
var ErrNoPrivateKey = errors.New("no private key for certificate")

// NewCName creates a new pkix.Name with only a common name
func NewCName(commonName string) pkix.Name {
	return pkix.Name{
		CommonName: commonName,
	}
}

// NewKey - generates a P-256 key, accepted by every TLS version the tunnel negotiates
func NewKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// GenerateSelfSigned returns a new self-signed server certificate for name
func GenerateSelfSigned(key crypto.Signer, name pkix.Name, days int) (*x509.Certificate, error) {
	template := &x509.Certificate{
		BasicConstraintsValid: true,
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(duration(days)),
		SerialNumber:          serialNumber(),
		Subject:               name,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:              []string{name.CommonName},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

// SaveCertToFile save a certificate to the specified path
func SaveCertToFile(path, name string, cert *x509.Certificate) error {
	if err := os.MkdirAll(path, 0700); err != nil {
		return fmt.Errorf("failed to create dir %s %w", path, err)
	}
	certOut, err := os.Create(filepath.Join(path, name))
	if err != nil {
		return fmt.Errorf("failed to open certficate file for writing: %w", err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	}); err != nil {
		return fmt.Errorf("failed to write certificate to file %w", err)
	}
	return nil
}

// SaveKeyToFile save a private key to the specified path
func SaveKeyToFile(path, name string, key crypto.Signer) error {
	if err := os.MkdirAll(path, 0700); err != nil {
		return fmt.Errorf("failed to create dir %s %w", path, err)
	}
	keyOut, err := os.OpenFile(filepath.Join(path, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed open key file for writing: %w", err)
	}
	defer keyOut.Close()
	privBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal key %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	}); err != nil {
		return fmt.Errorf("failed to write key to file %w", err)
	}
	return nil
}

// ReadCertFromFile reads a certificate from disk
func ReadCertFromFile(name string) (*x509.Certificate, error) {
	contents, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("unable to read file %w", err)
	}
	block, _ := pem.Decode(contents)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("not a cert " + name)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unable to parse cert %w", err)
	}
	return cert, nil
}

// LoadCertificate loads the tunnel certificate. A .p12 or .pfx file is decoded with
// password; anything else is read as PEM, with the key taken from the same file or
// from the sibling .key file.
func LoadCertificate(path, password string) (cryptotls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cryptotls.Certificate{}, fmt.Errorf("unable to read certificate %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".p12", ".pfx":
		return fromPKCS12(data, password)
	}
	if cert, err := cryptotls.X509KeyPair(data, data); err == nil {
		return cert, nil
	}
	keyPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".key"
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return cryptotls.Certificate{}, fmt.Errorf("%w: %s", ErrNoPrivateKey, path)
	}
	cert, err := cryptotls.X509KeyPair(data, keyData)
	if err != nil {
		return cryptotls.Certificate{}, fmt.Errorf("unable to parse certificate %w", err)
	}
	return cert, nil
}

func fromPKCS12(data []byte, password string) (cryptotls.Certificate, error) {
	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return cryptotls.Certificate{}, fmt.Errorf("unable to decode pkcs12 %w", err)
	}
	if key == nil {
		return cryptotls.Certificate{}, ErrNoPrivateKey
	}
	return cryptotls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}

// serialNumber generates a serial number for a certificate
func serialNumber() *big.Int {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return serialNumber
}

// duration coverts the number of days to time.duration
func duration(days int) time.Duration {
	if days <= 0 {
		days = 1
	}
	return time.Duration(days) * 24 * time.Hour
}
