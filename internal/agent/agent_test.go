package agent

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/ladapter/internal/adapter"
	"github.com/3cpo-dev/ladapter/internal/coordinator"
	"github.com/3cpo-dev/ladapter/internal/platform"
	"github.com/3cpo-dev/ladapter/internal/provider"
	"github.com/3cpo-dev/ladapter/internal/store"
	"github.com/3cpo-dev/ladapter/pkg/api"
)

// recordingSpawner returns outcome for every spawn and remembers argv.
type recordingSpawner struct {
	mu      sync.Mutex
	argv    [][]string
	outcome provider.Outcome
}

func (s *recordingSpawner) Spawn(_ context.Context, argv []string, _ provider.ExecOptions) (provider.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.argv = append(s.argv, argv)
	return s.outcome, nil
}

func (s *recordingSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.argv)
}

type fixedCoordinator struct{ st coordinator.Status }

func (f fixedCoordinator) Status() coordinator.Status { return f.st }

func newTestEngine(t *testing.T, sp *recordingSpawner) *adapter.Engine {
	t.Helper()
	desc := &platform.Descriptor{
		EnvironmentID: "env-api",
		Platform:      platform.Linux,
		Architecture:  platform.X64,
		Capabilities:  platform.NewCapabilitySet("docker_ps"),
	}
	prov, err := provider.New(platform.Linux, sp, nil)
	require.NoError(t, err)
	e, err := adapter.New(desc, prov, adapter.Options{Deny: []string{"rm -rf /"}})
	require.NoError(t, err)
	return e
}

func do(t *testing.T, h http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestStatusAndCapabilities(t *testing.T) {
	sp := &recordingSpawner{}
	srv := NewServer(newTestEngine(t, sp), Options{
		Version:     "test",
		Coordinator: fixedCoordinator{coordinator.Status{State: coordinator.Idle, PendingReports: 2}},
	})
	h := srv.Handler()

	rr := do(t, h, http.MethodGet, "/v0/status", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st StatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, "env-api", st.Engine.EnvironmentID)
	assert.Equal(t, "linux_local", st.Engine.EnvironmentType)
	require.NotNil(t, st.Coordinator)
	assert.Equal(t, coordinator.Idle, st.Coordinator.State)
	assert.Equal(t, 2, st.Coordinator.PendingReports)

	rr = do(t, h, http.MethodGet, "/v0/capabilities", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var caps CapabilitiesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &caps))
	assert.Equal(t, "linux", caps.Platform)
	assert.Contains(t, caps.Capabilities, "list_files")
	assert.Contains(t, caps.Capabilities, "docker_ps")
	assert.NotContains(t, caps.Capabilities, "install_package")

	rr = do(t, h, http.MethodPost, "/v0/status", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestExec(t *testing.T) {
	sp := &recordingSpawner{outcome: provider.Outcome{Stdout: "a\nb\n"}}
	h := NewServer(newTestEngine(t, sp), Options{}).Handler()

	rr := do(t, h, http.MethodPost, "/v0/exec", ExecRequest{Verb: "list_files", Args: []string{"/tmp"}}, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp ExecResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "a\nb\n", resp.Stdout)
	assert.Equal(t, "succeeded", resp.Status)
	assert.Contains(t, resp.Command, "ls")
	assert.Empty(t, resp.Error)

	rr = do(t, h, http.MethodPost, "/v0/exec", ExecRequest{Extension: "docker_ps", Args: []string{"--all"}}, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 2, sp.count())
}

func TestExecNonZeroExitIsNotAnError(t *testing.T) {
	sp := &recordingSpawner{outcome: provider.Outcome{ExitCode: 2, Stderr: "No such file"}}
	h := NewServer(newTestEngine(t, sp), Options{}).Handler()

	rr := do(t, h, http.MethodPost, "/v0/exec", ExecRequest{Verb: "read_file", Args: []string{"/missing"}}, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp ExecResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.ExitCode)
	assert.Equal(t, "failed", resp.Status)
}

func TestExecErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		req  ExecRequest
		code int
		kind string
	}{
		{"unsupported verb", ExecRequest{Verb: "frobnicate"}, http.StatusBadRequest, "unsupported_verb"},
		{"invalid args", ExecRequest{Verb: "copy", Args: []string{"only-one"}}, http.StatusBadRequest, "invalid_args"},
		{"missing capability", ExecRequest{Verb: "install_package", Args: []string{"curl"}}, http.StatusForbidden, "capability_not_supported"},
		{"unknown extension", ExecRequest{Extension: "brew_services"}, http.StatusForbidden, "capability_not_supported"},
		{"policy", ExecRequest{Verb: "delete", Args: []string{"/"}}, http.StatusForbidden, "policy_denied"},
		{"platform", ExecRequest{Verb: "list_files", Platform: "windows"}, http.StatusConflict, "platform_mismatch"},
		{"both names", ExecRequest{Verb: "list_files", Extension: "docker_ps"}, http.StatusBadRequest, "invalid_args"},
		{"neither name", ExecRequest{}, http.StatusBadRequest, "invalid_args"},
		{"negative timeout", ExecRequest{Verb: "list_files", Timeout: -1}, http.StatusBadRequest, "invalid_args"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sp := &recordingSpawner{}
			h := NewServer(newTestEngine(t, sp), Options{}).Handler()
			rr := do(t, h, http.MethodPost, "/v0/exec", tc.req, nil)
			assert.Equal(t, tc.code, rr.Code, rr.Body.String())
			var resp ExecResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, tc.kind, resp.Code)
			assert.Equal(t, -1, resp.ExitCode)
			assert.Zero(t, sp.count(), "nothing may be spawned")
		})
	}
}

func TestExecTimeoutKeepsResult(t *testing.T) {
	sp := &recordingSpawner{outcome: provider.Outcome{ExitCode: -1, Stdout: "partial", TimedOut: true}}
	h := NewServer(newTestEngine(t, sp), Options{}).Handler()

	rr := do(t, h, http.MethodPost, "/v0/exec", ExecRequest{Verb: "list_files", Timeout: 1}, nil)
	require.Equal(t, http.StatusGatewayTimeout, rr.Code)
	var resp ExecResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "timed_out", resp.Code)
	assert.Equal(t, "timed_out", resp.Status)
	assert.Equal(t, "partial", resp.Stdout)
}

func TestTokenAuth(t *testing.T) {
	h := NewServer(newTestEngine(t, &recordingSpawner{}), Options{Token: "s3cret"}).Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v0/status", nil, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v0/status", nil,
		map[string]string{"Authorization": "Bearer nope"}).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v0/status", nil,
		map[string]string{"Authorization": "Bearer s3cret"}).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v0/status", nil,
		map[string]string{"X-Auth-Token": "s3cret"}).Code)
}

func TestHistory(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()
	for _, id := range []string{"t-1", "t-2", "t-3"} {
		require.NoError(t, st.RecordTask(ctx, store.HistoryEntry{TaskID: id, Status: api.RunSucceeded, StartedAt: time.Now(), CompletedAt: time.Now()}))
	}

	srv := httptest.NewServer(NewServer(newTestEngine(t, &recordingSpawner{}), Options{History: st, Token: "tok"}).Handler())
	defer srv.Close()
	c := NewClient(srv.Listener.Addr().String(), "tok", nil)

	h, err := c.History(ctx, 2)
	require.NoError(t, err)
	require.Len(t, h.Tasks, 2)
	assert.Equal(t, "t-3", h.Tasks[0].TaskID)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, status.Coordinator)

	bad := NewClient(srv.Listener.Addr().String(), "", nil)
	_, err = bad.Capabilities(ctx)
	assert.ErrorContains(t, err, "401")
}

// writeSelfSigned writes a certificate usable as CA, server and client identity.
func writeSelfSigned(t *testing.T, dir, name string) (certPath, keyPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, name+".crt")
	keyPath = filepath.Join(dir, name+".key")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certPath, keyPath
}

func TestMutualTLS(t *testing.T) {
	dir := t.TempDir()
	serverCert, serverKey := writeSelfSigned(t, dir, "server")
	clientCert, clientKey := writeSelfSigned(t, dir, "client")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(newTestEngine(t, &recordingSpawner{}), Options{})
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ServeTLS(ln, MTLSConfig{
			ServerCert:   serverCert,
			ServerKey:    serverKey,
			ClientCACert: clientCert,
			RequireAuth:  true,
		})
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		assert.NoError(t, <-errc)
	})
	addr := ln.Addr().String()
	ctx := context.Background()

	withCert, err := ClientTLS(serverCert, clientCert, clientKey)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := NewClient(addr, "", withCert).Status(ctx)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	noCert, err := ClientTLS(serverCert, "", "")
	require.NoError(t, err)
	_, err = NewClient(addr, "", noCert).Status(ctx)
	assert.Error(t, err, "handshake without a client certificate must fail")

	_, err = NewClient(addr, "", &tls.Config{MinVersion: tls.VersionTLS12}).Status(ctx)
	assert.Error(t, err, "unknown server CA")
}

func TestConfigureTLSRequiresCA(t *testing.T) {
	dir := t.TempDir()
	cert, key := writeSelfSigned(t, dir, "server")
	_, err := ConfigureTLS(MTLSConfig{ServerCert: cert, ServerKey: key, RequireAuth: true})
	assert.Error(t, err)

	cfg, err := ConfigureTLS(MTLSConfig{ServerCert: cert, ServerKey: key})
	require.NoError(t, err)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)

	_, err = ConfigureTLS(MTLSConfig{})
	assert.Error(t, err)
}
