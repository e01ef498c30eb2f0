// Package tlsmaterial resolves the PEM triple used for the TAK connection,
// either from PEM files or from a PKCS#12 bundle.
package tlsmaterial

import (
	"bytes"
	"crypto/tls"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pkcs12"
)

// ErrNoMaterial is returned when neither PEM paths nor a bundle are set.
var ErrNoMaterial = errors.New("no TLS material configured")

// Material holds PEM encoded trust anchor and client credential.
type Material struct {
	CA   []byte
	Cert []byte
	Key  []byte
}

// HasClientCredential reports whether both cert and key are present.
func (m Material) HasClientCredential() bool {
	return len(m.Cert) > 0 && len(m.Key) > 0
}

// Source names where material lives. A PKCS#12 bundle takes precedence over
// the cert/key paths; CAPath always overrides the bundle's CA certificates.
type Source struct {
	CAPath      string
	CertPath    string
	KeyPath     string
	P12Path     string
	P12Password string
}

// Resolve loads the material named by s.
func (s Source) Resolve() (Material, error) {
	var m Material
	switch {
	case s.P12Path != "":
		data, err := os.ReadFile(s.P12Path)
		if err != nil {
			return m, fmt.Errorf("read pkcs12: %w", err)
		}
		if m, err = FromPKCS12(data, s.P12Password); err != nil {
			return m, err
		}
	case s.CertPath != "" || s.KeyPath != "":
		var err error
		if m.Cert, err = readPEM(s.CertPath); err != nil {
			return m, err
		}
		if m.Key, err = readPEM(s.KeyPath); err != nil {
			return m, err
		}
	case s.CAPath == "":
		return m, ErrNoMaterial
	}

	if s.CAPath != "" {
		ca, err := readPEM(s.CAPath)
		if err != nil {
			return m, err
		}
		m.CA = ca
	}
	return m, nil
}

func readPEM(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if block, _ := pem.Decode(data); block == nil {
		return nil, fmt.Errorf("read %s: no PEM block", path)
	}
	return data, nil
}

// FromPKCS12 splits a bundle into key, leaf certificate and CA certificates.
// The leaf is the certificate whose public key matches the private key.
func FromPKCS12(data []byte, password string) (Material, error) {
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return Material{}, fmt.Errorf("decode pkcs12: %w", err)
	}

	var key []byte
	var certs [][]byte
	for _, b := range blocks {
		switch b.Type {
		case "PRIVATE KEY":
			key = pem.EncodeToMemory(&pem.Block{Type: b.Type, Bytes: b.Bytes})
		case "CERTIFICATE":
			certs = append(certs, pem.EncodeToMemory(&pem.Block{Type: b.Type, Bytes: b.Bytes}))
		}
	}
	if key == nil {
		return Material{}, errors.New("decode pkcs12: bundle has no private key")
	}

	m := Material{Key: key}
	var ca bytes.Buffer
	for _, c := range certs {
		if m.Cert == nil {
			if _, err := tls.X509KeyPair(c, key); err == nil {
				m.Cert = c
				continue
			}
		}
		ca.Write(c)
	}
	if m.Cert == nil {
		return Material{}, errors.New("decode pkcs12: no certificate matches the private key")
	}
	if ca.Len() > 0 {
		m.CA = ca.Bytes()
	}
	return m, nil
}

// Paths are the files written by WriteFiles.
type Paths struct {
	CA   string
	Cert string
	Key  string
}

// WriteFiles stores m as ca.pem, cert.pem and key.pem under dir. The key is
// written owner-readable only. Empty parts are skipped.
func WriteFiles(dir string, m Material) (Paths, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Paths{}, fmt.Errorf("create %s: %w", dir, err)
	}
	var p Paths
	parts := []struct {
		data []byte
		name string
		mode os.FileMode
		dst  *string
	}{
		{m.CA, "ca.pem", 0o644, &p.CA},
		{m.Cert, "cert.pem", 0o644, &p.Cert},
		{m.Key, "key.pem", 0o600, &p.Key},
	}
	for _, part := range parts {
		if len(part.data) == 0 {
			continue
		}
		path := filepath.Join(dir, part.name)
		if err := os.WriteFile(path, part.data, part.mode); err != nil {
			return p, fmt.Errorf("write %s: %w", path, err)
		}
		*part.dst = path
	}
	return p, nil
}
