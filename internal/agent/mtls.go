package agent

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/ladapter/internal/config"
)

// MTLSConfig holds the TLS settings of the local API.
type MTLSConfig struct {
	ServerCert   string
	ServerKey    string
	ClientCACert string
	RequireAuth  bool
}

// MTLSFromConfig maps the agent section of the configuration.
func MTLSFromConfig(a config.Agent) MTLSConfig {
	return MTLSConfig{
		ServerCert:   a.TLSCert,
		ServerKey:    a.TLSKey,
		ClientCACert: a.ClientCA,
		RequireAuth:  a.RequireMTLS,
	}
}

// Enabled reports whether a certificate is configured.
func (c MTLSConfig) Enabled() bool { return c.ServerCert != "" || c.ServerKey != "" }

// ConfigureTLS builds the server TLS configuration, verifying client certificates
// against ClientCACert when RequireAuth is set.
func ConfigureTLS(config MTLSConfig) (*tls.Config, error) {
	if config.ServerCert == "" || config.ServerKey == "" {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}

	cert, err := tls.LoadX509KeyPair(config.ServerCert, config.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if config.RequireAuth {
		if config.ClientCACert == "" {
			return nil, errors.New("client CA certificate required for mTLS")
		}
		pool, err := loadPool(config.ClientCACert)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert

		log.Info().
			Str("ca_cert", config.ClientCACert).
			Msg("mTLS client authentication enabled")
	}

	return tlsConfig, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return pool, nil
}

// MTLSMiddleware logs the verified client identity and rejects TLS requests without
// a client certificate when requireAuth is set.
func MTLSMiddleware(requireAuth bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil {
				next.ServeHTTP(w, r)
				return
			}
			if len(r.TLS.PeerCertificates) == 0 {
				if requireAuth {
					http.Error(w, "client certificate required", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			clientCert := r.TLS.PeerCertificates[0]
			log.Debug().
				Str("subject", clientCert.Subject.String()).
				Str("serial", clientCert.SerialNumber.String()).
				Str("path", r.URL.Path).
				Msg("mTLS client authenticated")

			next.ServeHTTP(w, r)
		})
	}
}

// ServeTLS serves the API over TLS on ln, with client verification per config.
func (s *Server) ServeTLS(ln net.Listener, config MTLSConfig) error {
	tlsConfig, err := ConfigureTLS(config)
	if err != nil {
		return err
	}

	srv := s.setServer(&http.Server{
		Handler:           MTLSMiddleware(config.RequireAuth)(s.Handler()),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	})

	log.Info().
		Str("addr", ln.Addr().String()).
		Bool("mtls_required", config.RequireAuth).
		Msg("Local API listening with TLS")

	if err := srv.ServeTLS(ln, "", ""); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServeTLS is ServeTLS on a new listener for addr.
func (s *Server) ListenAndServeTLS(addr string, config MTLSConfig) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeTLS(ln, config)
}
