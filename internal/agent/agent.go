// Package agent serves the adapter's local control API: status, capabilities, ad-hoc
// command execution and task history over HTTP, optionally behind a bearer token and
// mutual TLS.
package agent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/ladapter/internal/adapter"
	"github.com/3cpo-dev/ladapter/internal/coordinator"
	"github.com/3cpo-dev/ladapter/internal/errdefs"
	"github.com/3cpo-dev/ladapter/internal/provider"
	"github.com/3cpo-dev/ladapter/internal/store"
	"github.com/3cpo-dev/ladapter/internal/telemetry"
)

// Engine is the part of the adapter engine the API drives.
type Engine interface {
	Execute(ctx context.Context, req adapter.Request) (*provider.Result, error)
	InvokeExtension(ctx context.Context, name string, args []string, timeout time.Duration) (*provider.Result, error)
	Capabilities() []string
	Status() adapter.Status
}

type CoordinatorStatus interface {
	Status() coordinator.Status
}

type HistorySource interface {
	History(ctx context.Context, limit int) ([]store.HistoryEntry, error)
}

// Options configure a Server. Coordinator and History are optional.
type Options struct {
	Version     string
	Token       string
	Coordinator CoordinatorStatus
	History     HistorySource
}

type Server struct {
	engine Engine
	opts   Options

	mu  sync.Mutex
	srv *http.Server
}

func NewServer(engine Engine, opts Options) *Server {
	return &Server{engine: engine, opts: opts}
}

// Handler returns the API with authentication applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return s.auth(mux)
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v0/status", func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{Time: time.Now(), Version: s.opts.Version, Engine: s.engine.Status()}
		if s.opts.Coordinator != nil {
			st := s.opts.Coordinator.Status()
			resp.Coordinator = &st
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /v0/capabilities", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, CapabilitiesResponse{
			Platform:     s.engine.Status().Platform,
			Capabilities: s.engine.Capabilities(),
		})
	})

	mux.HandleFunc("GET /v0/history", func(w http.ResponseWriter, r *http.Request) {
		if s.opts.History == nil {
			writeJSON(w, http.StatusOK, HistoryResponse{Tasks: []store.HistoryEntry{}})
			return
		}
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				reject(w, http.StatusBadRequest, "invalid_args", "limit must be a non-negative integer")
				return
			}
			limit = n
		}
		tasks, err := s.opts.History.History(r.Context(), limit)
		if err != nil {
			reject(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, HistoryResponse{Tasks: tasks})
	})

	mux.HandleFunc("POST /v0/exec", s.exec)
}

func (s *Server) exec(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		telemetry.CounterGlobal("ladapter_api_exec_errors", 1, map[string]string{"error": "decode_request"})
		reject(w, http.StatusBadRequest, "invalid_args", err.Error())
		return
	}
	if (req.Verb == "") == (req.Extension == "") {
		reject(w, http.StatusBadRequest, "invalid_args", "exactly one of verb or extension is required")
		return
	}
	if req.Timeout < 0 {
		reject(w, http.StatusBadRequest, "invalid_args", "timeout_seconds must not be negative")
		return
	}
	timeout := time.Duration(req.Timeout) * time.Second

	name := req.Verb
	if req.Extension != "" {
		name = req.Extension
	}
	timer := telemetry.NewTimerScope("ladapter_api_exec_duration", map[string]string{"command": name})

	var (
		res *provider.Result
		err error
	)
	if req.Extension != "" {
		res, err = s.engine.InvokeExtension(r.Context(), req.Extension, req.Args, timeout)
	} else {
		res, err = s.engine.Execute(r.Context(), adapter.Request{
			Verb:     req.Verb,
			Args:     req.Args,
			Platform: req.Platform,
			Timeout:  timeout,
			Dir:      req.WorkDir,
		})
	}
	elapsed := timer.End()

	var resp ExecResponse
	if res != nil {
		resp = ExecResponse{
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			Duration: res.DurationMS,
			Command:  res.Command,
			Status:   string(res.Status),
		}
	}
	code := http.StatusOK
	if err != nil {
		code = httpStatus(err)
		resp.Error = err.Error()
		resp.Code = errdefs.Code(err)
		if res == nil {
			resp.ExitCode = -1
		}
	}
	telemetry.CounterGlobal("ladapter_api_exec_requests", 1, map[string]string{
		"command": name,
		"status":  strconv.Itoa(code),
	})
	log.Debug().Str("command", name).Int("http_status", code).Dur("elapsed", elapsed).Msg("Exec request served")
	writeJSON(w, code, resp)
}

// httpStatus maps the error taxonomy onto response codes.
func httpStatus(err error) int {
	switch errdefs.KindOf(err) {
	case errdefs.ErrUnsupportedVerb, errdefs.ErrInvalidArgs:
		return http.StatusBadRequest
	case errdefs.ErrPolicyDenied, errdefs.ErrCapabilityNotSupported:
		return http.StatusForbidden
	case errdefs.ErrPlatformMismatch:
		return http.StatusConflict
	case errdefs.ErrTimedOut:
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return 499
	}
	return http.StatusInternalServerError
}

// auth requires the configured token as "Authorization: Bearer" or X-Auth-Token.
func (s *Server) auth(next http.Handler) http.Handler {
	if s.opts.Token == "" {
		return next
	}
	want := []byte(s.opts.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Auth-Token")
		if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			got = bearer
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			reject(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func reject(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ExecResponse{ExitCode: -1, Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

// ListenAndServe serves plain HTTP on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves plain HTTP on ln.
func (s *Server) Serve(ln net.Listener) error {
	srv := s.setServer(&http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second})
	log.Info().Str("addr", ln.Addr().String()).Msg("Local API listening")
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("server not running")
	}
	return srv.Shutdown(ctx)
}

func (s *Server) setServer(srv *http.Server) *http.Server {
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	return srv
}
