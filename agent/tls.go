package agent

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"
)

// serverName is the DNS name in generated certificates. Clients verify the agent against it
// regardless of the address they dial.
const serverName = "procrt-agent"

// Certs holds the PEM material for mTLS between agents and clients.
// It contains the secrets necessary for authz, so handle carefully.
type Certs struct {
	CACertPEM []byte
	CertPEM   []byte
	KeyPEM    []byte
}

// LoadCerts reads PEM files from disk.
func LoadCerts(caCertFile, certFile, keyFile string) (*Certs, error) {
	var c Certs
	for _, f := range []struct {
		path string
		dst  *[]byte
	}{{caCertFile, &c.CACertPEM}, {certFile, &c.CertPEM}, {keyFile, &c.KeyPEM}} {
		b, err := os.ReadFile(f.path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f.path, err)
		}
		*f.dst = b
	}
	return &c, nil
}

func (c *Certs) pool() (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(c.CACertPEM) {
		return nil, errors.New("no CA certificates found in PEM")
	}
	return pool, nil
}

// ClientTLSConfig builds a client config that presents c and trusts only c's CA.
func (c *Certs) ClientTLSConfig() (*tls.Config, error) {
	pool, err := c.pool()
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(c.CertPEM, c.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		ServerName:   serverName,
	}, nil
}

// ServerTLSConfig builds a server config that requires client certificates signed by c's CA.
func (c *Certs) ServerTLSConfig() (*tls.Config, error) {
	pool, err := c.pool()
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(c.CertPEM, c.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// GeneratedCerts is a throwaway CA with a server and a client certificate.
type GeneratedCerts struct {
	Server *Certs
	Client *Certs
}

// GenerateCerts creates a CA valid for a week and issues a server and a client certificate from it.
func GenerateCerts() (*GeneratedCerts, error) {
	ca, caKey, caPEM, err := buildCA()
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}
	server, err := issue(ca, caKey, caPEM)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}
	client, err := issue(ca, caKey, caPEM)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}
	return &GeneratedCerts{Server: server, Client: client}, nil
}

func serial() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return n, nil
}

func buildCA() (*x509.Certificate, *ecdsa.PrivateKey, []byte, error) {
	sn, err := serial()
	if err != nil {
		return nil, nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          sn,
		Subject:               pkix.Name{CommonName: "procrt CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(0, 0, 7),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generating CA private key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating x509 cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parsing CA cert: %w", err)
	}
	return cert, key, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

func issue(ca *x509.Certificate, caKey *ecdsa.PrivateKey, caPEM []byte) (*Certs, error) {
	sn, err := serial()
	if err != nil {
		return nil, err
	}
	tmpl := x509.Certificate{
		SerialNumber: sn,
		Subject:      pkix.Name{CommonName: serverName},
		DNSNames:     []string{serverName},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().AddDate(0, 0, 7),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &key.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("creating cert: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	return &Certs{
		CACertPEM: caPEM,
		CertPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:    pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}
