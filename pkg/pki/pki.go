// Package pki manages the on-disk mini certificate authority: a self-signed
// CA, the server credentials used on both TLS ports, and per-user client
// certificates minted on demand by the control service.
//
// File layout under the base path:
//
//	ca.cert.pem, ca.key            CA credentials (key unencrypted, 0600)
//	server.cert.pem, server.key    server credentials (key 3DES-encrypted)
//	<user>.cert.pem, <user>.key    per-user client credentials
package pki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/kazoe/kazad/internal/logger"
)

const (
	caCertFile     = "ca.cert.pem"
	caKeyFile      = "ca.key"
	serverCertFile = "server.cert.pem"
	serverKeyFile  = "server.key"

	caKeyBits   = 4096
	leafKeyBits = 2048

	validity = 10 * 365 * 24 * time.Hour
)

var subjectSuffix = pkix.Name{
	Organization: []string{"KaZa"},
	Country:      []string{"FR"},
}

// Authority mints and loads credentials rooted at a base directory.
type Authority struct {
	basePath    string
	hostname    string
	keyPassword string
}

// NewAuthority creates an authority over the given base directory. The key
// password encrypts the server private key on disk.
func NewAuthority(basePath, hostname, keyPassword string) *Authority {
	return &Authority{
		basePath:    basePath,
		hostname:    hostname,
		keyPassword: keyPassword,
	}
}

func (a *Authority) file(name string) string {
	return filepath.Join(a.basePath, name)
}

// ClientCertPath returns the on-disk path of a user's certificate.
func (a *Authority) ClientCertPath(username string) string {
	return a.file(username + ".cert.pem")
}

// ClientKeyPath returns the on-disk path of a user's private key.
func (a *Authority) ClientKeyPath(username string) string {
	return a.file(username + ".key")
}

// EnsureServerCredentials creates the CA and server credentials if any of
// the four files is missing. Existing files are left untouched.
func (a *Authority) EnsureServerCredentials() error {
	if err := os.MkdirAll(a.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create credential directory %q: %w", a.basePath, err)
	}

	if a.haveFiles(caCertFile, caKeyFile, serverCertFile, serverKeyFile) {
		return nil
	}

	logger.Info("generating CA and server credentials", logger.KeyPath, a.basePath)

	caCert, caKey, err := a.generateCA()
	if err != nil {
		return err
	}
	return a.generateServer(caCert, caKey)
}

func (a *Authority) haveFiles(names ...string) bool {
	for _, n := range names {
		if _, err := os.Stat(a.file(n)); err != nil {
			return false
		}
	}
	return true
}

// generateCA creates the self-signed root: 4096-bit RSA, serial 1,
// CN "<hostname> CA".
func (a *Authority) generateCA() (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, caKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   a.hostname + " CA",
			Organization: subjectSuffix.Organization,
			Country:      subjectSuffix.Country,
		},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		SignatureAlgorithm:    x509.SHA256WithRSA,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          keyID(&key.PublicKey),
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to self-sign CA certificate: %w", err)
	}

	if err := a.writePEM(caCertFile, "CERTIFICATE", der, 0644); err != nil {
		return nil, nil, err
	}
	keyDER := x509.MarshalPKCS1PrivateKey(key)
	if err := a.writePEM(caKeyFile, "RSA PRIVATE KEY", keyDER, 0600); err != nil {
		return nil, nil, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse generated CA certificate: %w", err)
	}
	return cert, key, nil
}

// generateServer creates the server leaf: 2048-bit RSA, serial 2, SAN for
// the configured hostname, key encrypted with the configured passphrase.
func (a *Authority) generateServer(caCert *x509.Certificate, caKey *rsa.PrivateKey) error {
	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return fmt.Errorf("failed to generate server key: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject: pkix.Name{
			CommonName:   a.hostname,
			Organization: subjectSuffix.Organization,
			Country:      subjectSuffix.Country,
		},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		SignatureAlgorithm:    x509.SHA256WithRSA,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{a.hostname},
		SubjectKeyId:          keyID(&key.PublicKey),
		AuthorityKeyId:        caCert.SubjectKeyId,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
	if err != nil {
		return fmt.Errorf("failed to sign server certificate: %w", err)
	}

	if err := a.writePEM(serverCertFile, "CERTIFICATE", der, 0644); err != nil {
		return err
	}

	// 3DES-CBC keeps the key readable by the legacy tooling that still
	// provisions some installations.
	keyDER := x509.MarshalPKCS1PrivateKey(key)
	block, err := x509.EncryptPEMBlock(rand.Reader, "RSA PRIVATE KEY", keyDER, //nolint:staticcheck
		[]byte(a.keyPassword), x509.PEMCipher3DES)
	if err != nil {
		return fmt.Errorf("failed to encrypt server key: %w", err)
	}
	return a.writeFile(serverKeyFile, pem.EncodeToMemory(block), 0600)
}

// GenerateClientCertificate mints a fresh key and certificate for the user,
// overwriting any existing files. The serial is the current unix time so
// reissued certificates are distinguishable.
func (a *Authority) GenerateClientCertificate(username string) error {
	caCert, caKey, err := a.loadCA()
	if err != nil {
		return err
	}

	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return fmt.Errorf("failed to generate client key: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(now.Unix()),
		Subject:               pkix.Name{CommonName: username},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		SignatureAlgorithm:    x509.SHA256WithRSA,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		SubjectKeyId:          keyID(&key.PublicKey),
		AuthorityKeyId:        caCert.SubjectKeyId,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
	if err != nil {
		return fmt.Errorf("failed to sign client certificate for %q: %w", username, err)
	}

	if err := a.writeFile(a.ClientCertPath(username),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0644); err != nil {
		return err
	}

	// Unencrypted PKCS#8: some target clients cannot parse PBES2.
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal client key: %w", err)
	}
	if err := a.writeFile(a.ClientKeyPath(username),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		return err
	}

	logger.Info("issued client certificate", logger.KeyUser, username)
	return nil
}

// EnsureClientCredentials returns the PEM cert and key for a user,
// generating them on first request and reusing the files afterwards.
func (a *Authority) EnsureClientCredentials(username string) (certPEM, keyPEM []byte, err error) {
	certPath := a.ClientCertPath(username)
	keyPath := a.ClientKeyPath(username)

	if _, err := os.Stat(certPath); err != nil {
		if genErr := a.GenerateClientCertificate(username); genErr != nil {
			return nil, nil, genErr
		}
	}

	certPEM, err = os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read client certificate: %w", err)
	}
	keyPEM, err = os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read client key: %w", err)
	}
	return certPEM, keyPEM, nil
}

// CACertPEM returns the CA certificate in PEM form.
func (a *Authority) CACertPEM() ([]byte, error) {
	data, err := os.ReadFile(a.file(caCertFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	return data, nil
}

// ServerTLSConfig returns the mutual-TLS configuration for the main port:
// the server presents its certificate and requires a client certificate
// chaining to the CA.
func (a *Authority) ServerTLSConfig() (*tls.Config, error) {
	cert, err := a.loadServerCertificate()
	if err != nil {
		return nil, err
	}

	caPEM, err := a.CACertPEM()
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ControlTLSConfig returns the server-only TLS configuration for the
// control port.
func (a *Authority) ControlTLSConfig() (*tls.Config, error) {
	cert, err := a.loadServerCertificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (a *Authority) loadServerCertificate() (tls.Certificate, error) {
	certPEM, err := os.ReadFile(a.file(serverCertFile))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read server certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(a.file(serverKeyFile))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read server key: %w", err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, fmt.Errorf("server key is not PEM")
	}

	keyDER := block.Bytes
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
		keyDER, err = x509.DecryptPEMBlock(block, []byte(a.keyPassword)) //nolint:staticcheck
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to decrypt server key: %w", err)
		}
	}

	key, err := x509.ParsePKCS1PrivateKey(keyDER)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse server key: %w", err)
	}

	plain := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	cert, err := tls.X509KeyPair(certPEM, plain)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to assemble server key pair: %w", err)
	}
	return cert, nil
}

func (a *Authority) loadCA() (*x509.Certificate, *rsa.PrivateKey, error) {
	certPEM, err := a.CACertPEM()
	if err != nil {
		return nil, nil, err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("CA certificate is not PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(a.file(caKeyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA key: %w", err)
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("CA key is not PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA key: %w", err)
	}
	return cert, key, nil
}

func (a *Authority) writePEM(name, blockType string, der []byte, mode os.FileMode) error {
	return a.writeFile(name, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), mode)
}

func (a *Authority) writeFile(name string, data []byte, mode os.FileMode) error {
	path := name
	if filepath.Dir(path) == "." {
		path = a.file(name)
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("failed to write %q: %w", path, err)
	}
	return nil
}

// keyID derives a subject key identifier from the SHA-1 of the PKCS#1
// public key, matching what openssl does.
func keyID(pub *rsa.PublicKey) []byte {
	sum := sha1.Sum(x509.MarshalPKCS1PublicKey(pub))
	return sum[:]
}
