package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"

	"otp-service/internal/config"
	"otp-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

var ErrNoCertificate = errors.New("no certificate source configured")

// TLSManager picks the certificate for each handshake: autocert first, then
// the configured key pair, and outside production a self-signed fallback.
type TLSManager struct {
	server     config.ServerConfig
	production bool
	autoCert   *autocert.Manager
	fileCert   *tls.Certificate
	mu         sync.Mutex
	devCert    *tls.Certificate
	devCertDir string
	logger     *zap.Logger
}

func NewTLSManager(server config.ServerConfig, environment string) (*TLSManager, error) {
	m := &TLSManager{
		server:     server,
		production: environment == "production",
		devCertDir: server.AutoCertDir,
		logger:     util.Named("tls"),
	}

	if server.AutoCert {
		if server.Domain == "" {
			return nil, errors.New("autocert requires SERVER_DOMAIN")
		}
		if err := os.MkdirAll(server.AutoCertDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create autocert directory: %w", err)
		}
		m.autoCert = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(server.Domain),
			Cache:      autocert.DirCache(server.AutoCertDir),
			Email:      server.Email,
		}
		m.logger.Info("AutoCert configured",
			zap.String("domain", server.Domain),
			zap.String("cache_dir", server.AutoCertDir),
		)
	}

	if server.CertFile != "" && server.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(server.CertFile, server.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
		m.fileCert = &cert
	}

	if m.production && m.autoCert == nil && m.fileCert == nil {
		return nil, ErrNoCertificate
	}
	return m, nil
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		m.logger.Warn("AutoCert lookup failed", zap.String("server_name", hello.ServerName), zap.Error(err))
	}

	if m.fileCert != nil {
		return m.fileCert, nil
	}

	if m.production {
		return nil, ErrNoCertificate
	}
	return m.selfSigned()
}

// selfSigned loads or creates the dev certificate once per process.
func (m *TLSManager) selfSigned() (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.devCert != nil {
		return m.devCert, nil
	}

	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if m.server.Domain != "" {
		hosts = append([]string{m.server.Domain}, hosts...)
	}

	cert, err := NewDevCertGenerator(m.devCertDir).GenerateCert(hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	m.devCert = &cert
	return m.devCert, nil
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

// AutocertManager is nil unless autocert is enabled.
func (m *TLSManager) AutocertManager() *autocert.Manager {
	return m.autoCert
}
