package signature

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	"golang.org/x/crypto/pkcs12"
)

// Credential is the tenant's signing certificate and RSA key.
type Credential struct {
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
}

// LoadPKCS12 reads a .p12/.pfx bundle from disk.
func LoadPKCS12(path, password string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, signingErr(ClassMalformedCredential, "read %s: %w", path, err)
	}
	return ParsePKCS12(data, password)
}

// ParsePKCS12 decodes a PKCS#12 bundle holding one RSA key and its certificate.
func ParsePKCS12(data []byte, password string) (*Credential, error) {
	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, signingErr(ClassMalformedCredential, "decode pkcs12: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, signingErr(ClassMalformedCredential, "unsupported key type %T", key)
	}
	return &Credential{Certificate: cert, PrivateKey: rsaKey}, nil
}

// LoadPEM reads a PEM certificate and PEM private key from disk.
func LoadPEM(certPath, keyPath string) (*Credential, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, signingErr(ClassMalformedCredential, "read %s: %w", certPath, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, signingErr(ClassMalformedCredential, "read %s: %w", keyPath, err)
	}
	return ParsePEM(certPEM, keyPEM)
}

// ParsePEM decodes a PEM certificate and its matching RSA key.
func ParsePEM(certPEM, keyPEM []byte) (*Credential, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, signingErr(ClassMalformedCredential, "parse key pair: %w", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, signingErr(ClassMalformedCredential, "parse certificate: %w", err)
	}
	rsaKey, ok := pair.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, signingErr(ClassMalformedCredential, "unsupported key type %T", pair.PrivateKey)
	}
	return &Credential{Certificate: cert, PrivateKey: rsaKey}, nil
}

// Check validates the credential is usable at the given instant.
func (c *Credential) Check(now time.Time) error {
	if c == nil || c.Certificate == nil || c.PrivateKey == nil {
		return signingErr(ClassMalformedCredential, "credential is incomplete")
	}
	if now.Before(c.Certificate.NotBefore) {
		return signingErr(ClassCertificateNotYetValid, "certificate valid from %s", c.Certificate.NotBefore.Format(time.RFC3339))
	}
	if now.After(c.Certificate.NotAfter) {
		return signingErr(ClassCertificateExpired, "certificate expired at %s", c.Certificate.NotAfter.Format(time.RFC3339))
	}
	return nil
}

func (c *Credential) tlsCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{c.Certificate.Raw},
		PrivateKey:  c.PrivateKey,
		Leaf:        c.Certificate,
	}
}
