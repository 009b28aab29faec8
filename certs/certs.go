// Package certs issues a locally trusted server certificate so observers
// can connect over wss://.
package certs

import (
	"bufio"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jittering/truststore"
)

// Files locates the issued certificate material.
type Files struct {
	CertFile   string
	KeyFile    string
	CACertFile string
}

// Issuer keeps a server certificate for the current hosts under one
// directory, reissuing it when the host list changes.
type Issuer struct {
	Logger *log.Logger

	caDir     string
	certDir   string
	hostsFile string
	files     Files

	// issue is replaced in tests to avoid touching the system trust store.
	issue func(hosts []string) error
}

// NewIssuer creates an issuer storing its CA and certificate under dir.
func NewIssuer(dir string, logger *log.Logger) *Issuer {
	if logger == nil {
		logger = log.New(os.Stderr, "[certs] ", log.LstdFlags)
	}
	caDir := filepath.Join(dir, "ca")
	certDir := filepath.Join(dir, "tls")

	i := &Issuer{
		Logger:    logger,
		caDir:     caDir,
		certDir:   certDir,
		hostsFile: filepath.Join(certDir, "hosts.txt"),
		files: Files{
			CertFile:   filepath.Join(certDir, "server.crt"),
			KeyFile:    filepath.Join(certDir, "server.key"),
			CACertFile: filepath.Join(caDir, "rootCA.pem"),
		},
	}
	i.issue = i.issueWithTruststore
	return i
}

// Files returns where the certificate material lives.
func (i *Issuer) Files() Files {
	return i.files
}

// Ensure returns a certificate valid for hosts, issuing one when none
// exists or the cached host list differs. Issuing installs the local CA and
// may prompt the user for a password.
func (i *Issuer) Ensure(hosts []string) (Files, error) {
	if err := os.MkdirAll(i.certDir, 0o700); err != nil {
		return Files{}, fmt.Errorf("failed to create certificate directory: %w", err)
	}

	switch {
	case !i.exists():
		i.Logger.Println("No certificate found, issuing one...")
	case !sameHosts(i.cachedHosts(), hosts):
		i.Logger.Println("Network configuration changed, reissuing certificate...")
	default:
		i.Logger.Println("Using existing certificate")
		return i.files, nil
	}

	if err := i.issue(hosts); err != nil {
		return Files{}, err
	}
	if err := writeHosts(i.hostsFile, hosts); err != nil {
		i.Logger.Printf("Warning: failed to cache hosts: %v", err)
	}

	if data, err := os.ReadFile(i.files.CACertFile); err == nil {
		if fp, err := Fingerprint(data); err == nil {
			i.Logger.Printf("CA fingerprint (SHA256): %s", fp)
		}
	}
	return i.files, nil
}

func (i *Issuer) exists() bool {
	_, certErr := os.Stat(i.files.CertFile)
	_, keyErr := os.Stat(i.files.KeyFile)
	return certErr == nil && keyErr == nil
}

func (i *Issuer) cachedHosts() []string {
	hosts, err := readHosts(i.hostsFile)
	if err != nil {
		return nil
	}
	return hosts
}

func (i *Issuer) issueWithTruststore(hosts []string) error {
	if err := os.MkdirAll(i.caDir, 0o700); err != nil {
		return fmt.Errorf("failed to create CA directory: %w", err)
	}
	// truststore keeps its CA under CAROOT
	os.Setenv("CAROOT", i.caDir)

	lib, err := truststore.NewLib()
	if err != nil {
		return fmt.Errorf("failed to initialize truststore: %w", err)
	}

	i.Logger.Println("Installing the local CA in the system trust store (you may be prompted for your password)")
	if err := lib.Install(); err != nil {
		return fmt.Errorf("failed to install CA: %w", err)
	}

	i.Logger.Printf("Issuing certificate for hosts: %v", hosts)
	cert, err := lib.MakeCert(hosts, i.certDir)
	if err != nil {
		return fmt.Errorf("failed to issue certificate: %w", err)
	}

	if err := moveIfDifferent(cert.CertFile, i.files.CertFile); err != nil {
		return fmt.Errorf("failed to place certificate: %w", err)
	}
	if err := moveIfDifferent(cert.KeyFile, i.files.KeyFile); err != nil {
		return fmt.Errorf("failed to place key: %w", err)
	}
	return nil
}

func moveIfDifferent(from, to string) error {
	if from == to {
		return nil
	}
	return os.Rename(from, to)
}

// sameHosts compares host lists ignoring order.
func sameHosts(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

func readHosts(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var hosts []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if host := strings.TrimSpace(scanner.Text()); host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts, scanner.Err()
}

func writeHosts(path string, hosts []string) error {
	return os.WriteFile(path, []byte(strings.Join(hosts, "\n")+"\n"), 0o600)
}

// Fingerprint returns the colon-separated SHA256 fingerprint of the first
// certificate in pemData.
func Fingerprint(pemData []byte) (string, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return "", fmt.Errorf("failed to decode PEM block")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate: %w", err)
	}

	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}
