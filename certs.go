package devproxy

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"sync"
	"time"
)

// certOrganization, certCountry, and certValidity are stamped onto every
// minted leaf certificate, per the Cert Minter contract.
const (
	certOrganization = "Json Pi"
	certCountry      = "AU"
	certValidity     = 100 * 24 * time.Hour
)

// CertMinter mints per-host leaf certificates signed by a configured root
// CA, memoizing by server name for the life of the process.
type CertMinter struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	mu    sync.RWMutex
	cache map[string]*tls.Certificate

	// Metrics, if set, receives cache hit/miss and size observations.
	Metrics *Metrics
}

// NewCertMinter loads the root CA certificate and key from PEM files.
func NewCertMinter(caCertPath, caKeyPath string) (*CertMinter, error) {
	caCertPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}

	caKeyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}

	return NewCertMinterFromPEM(caCertPEM, caKeyPEM)
}

// NewCertMinterFromPEM builds a CertMinter from PEM-encoded CA cert and key.
func NewCertMinterFromPEM(caCertPEM, caKeyPEM []byte) (*CertMinter, error) {
	certBlock, _ := pem.Decode(caCertPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode CA certificate PEM")
	}

	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(caKeyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode CA key PEM")
	}

	caKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		key, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("parse CA key: %w (also tried PKCS8: %v)", err, err2)
		}
		var ok bool
		caKey, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("CA key is not RSA")
		}
	}

	return &CertMinter{
		caCert: caCert,
		caKey:  caKey,
		cache:  make(map[string]*tls.Certificate),
	}, nil
}

// GetCertificate implements tls.Config.GetCertificate using the SNI name
// from the ClientHello.
func (cm *CertMinter) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, fmt.Errorf("no SNI provided")
	}
	return cm.GetCertificateForHost(host)
}

// GetCertificateForHost returns a certificate for host, minting and
// memoizing one if it isn't cached yet.
func (cm *CertMinter) GetCertificateForHost(host string) (*tls.Certificate, error) {
	cm.mu.RLock()
	cert, ok := cm.cache[host]
	cm.mu.RUnlock()
	if ok {
		if cm.Metrics != nil {
			cm.Metrics.RecordCertCacheHit()
		}
		return cert, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cert, ok := cm.cache[host]; ok {
		if cm.Metrics != nil {
			cm.Metrics.RecordCertCacheHit()
		}
		return cert, nil
	}

	cert, err := cm.mint(host)
	if err != nil {
		return nil, err
	}

	cm.cache[host] = cert
	if cm.Metrics != nil {
		cm.Metrics.RecordCertCacheMiss()
		cm.Metrics.SetCertCacheSize(len(cm.cache))
	}
	return cert, nil
}

// mint generates a fresh leaf certificate for host, signed by the CA.
func (cm *CertMinter) mint(host string) (*tls.Certificate, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: mintSerial(),
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{certOrganization},
			Country:      []string{certCountry},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(certValidity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, &privKey.PublicKey, cm.caKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  privKey,
	}, nil
}

// mintSerial builds a serial number from the current nanosecond timestamp
// mixed with a few random bits, sufficient to avoid collisions within a
// single run (spec §4.2).
func mintSerial() *big.Int {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(time.Now().UnixNano()))
	n := new(big.Int).SetBytes(buf[:])

	var salt [4]byte
	_, _ = rand.Read(salt[:])
	n.Lsh(n, 32)
	n.Or(n, new(big.Int).SetBytes(salt[:]))
	return n
}

// CacheSize returns the number of memoized host certificates.
func (cm *CertMinter) CacheSize() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.cache)
}

// GenerateCA generates a new root CA certificate and private key, returning
// PEM-encoded bytes. This is the root-CA generation tool's core operation;
// its CLI wrapper is out of scope (spec §1).
func GenerateCA(org string, validYears int) (certPEM, keyPEM []byte, err error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: mintSerial(),
		Subject: pkix.Name{
			CommonName:   org + " Root CA",
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Duration(validYears) * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privKey)})

	return certPEM, keyPEM, nil
}
