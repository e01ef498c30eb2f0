package cot

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"balloon_tracker/internal/tlsmaterial"
)

// DefaultIPServerName is sent as SNI and verified against when the endpoint
// is an IP literal and no override is configured.
const DefaultIPServerName = "takserver"

var (
	// ErrMissingCredential is fatal: the publisher cannot start without a
	// client certificate and key.
	ErrMissingCredential = errors.New("cot: client certificate and key are required")
	ErrBadURL            = errors.New("cot: endpoint must be ssl://host:port or tls://host:port")
)

// ParseURL splits an ssl:// or tls:// endpoint into host and port.
func ParseURL(raw string) (host, port string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	if u.Scheme != "ssl" && u.Scheme != "tls" {
		return "", "", fmt.Errorf("%w: scheme %q", ErrBadURL, u.Scheme)
	}
	host, port = u.Hostname(), u.Port()
	if host == "" || port == "" {
		return "", "", fmt.Errorf("%w: missing host or port in %q", ErrBadURL, raw)
	}
	return host, port, nil
}

// TLSOptions describe how to authenticate the TAK connection.
type TLSOptions struct {
	Material tlsmaterial.Material
	// ServerName overrides SNI and the verified name.
	ServerName string
	// SkipHostnameCheck still verifies the chain against the CA but not the
	// certificate's names.
	SkipHostnameCheck bool
}

// ServerNameFor returns the SNI to use for host.
func ServerNameFor(host string, opts TLSOptions) string {
	if opts.ServerName != "" {
		return opts.ServerName
	}
	if net.ParseIP(host) != nil {
		if opts.SkipHostnameCheck {
			return ""
		}
		return DefaultIPServerName
	}
	return host
}

// NewTLSConfig builds the client configuration for host.
func NewTLSConfig(host string, opts TLSOptions) (*tls.Config, error) {
	if !opts.Material.HasClientCredential() {
		return nil, ErrMissingCredential
	}
	pair, err := tls.X509KeyPair(opts.Material.Cert, opts.Material.Key)
	if err != nil {
		return nil, fmt.Errorf("load client credential: %w", err)
	}

	var roots *x509.CertPool
	if len(opts.Material.CA) > 0 {
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(opts.Material.CA) {
			return nil, errors.New("load CA: no certificates found")
		}
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{pair},
		RootCAs:      roots,
		ServerName:   ServerNameFor(host, opts),
	}
	if opts.SkipHostnameCheck {
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = verifyChainOnly(roots)
	}
	return cfg, nil
}

// verifyChainOnly checks the peer chain against roots without a name match.
func verifyChainOnly(roots *x509.CertPool) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("server presented no certificate")
		}
		inter := x509.NewCertPool()
		for _, c := range cs.PeerCertificates[1:] {
			inter.AddCert(c)
		}
		_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: inter,
		})
		return err
	}
}

// Dialer opens the publisher's transport.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// TLSDialer dials a TAK endpoint.
type TLSDialer struct {
	Addr    string
	Config  *tls.Config
	Timeout time.Duration
}

// NewTLSDialer parses endpoint and prepares a dialer. A missing client
// credential returns ErrMissingCredential.
func NewTLSDialer(endpoint string, opts TLSOptions) (*TLSDialer, error) {
	host, port, err := ParseURL(endpoint)
	if err != nil {
		return nil, err
	}
	cfg, err := NewTLSConfig(host, opts)
	if err != nil {
		return nil, err
	}
	return &TLSDialer{Addr: net.JoinHostPort(host, port), Config: cfg, Timeout: 15 * time.Second}, nil
}

func (d *TLSDialer) Dial(ctx context.Context) (net.Conn, error) {
	td := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: d.Timeout, KeepAlive: 30 * time.Second},
		Config:    d.Config,
	}
	conn, err := td.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Addr, err)
	}
	return conn, nil
}
