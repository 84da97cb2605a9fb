package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/3cpo-dev/ladapter/pkg/api"
)

// ErrUnknownEnvironment means the orchestrator no longer knows this environment and
// it has to register again.
var ErrUnknownEnvironment = errors.New("environment not registered with orchestrator")

// Transport carries the four orchestrator calls.
type Transport interface {
	Register(ctx context.Context, req api.RegisterRequest) (api.RegisterResponse, error)
	Heartbeat(ctx context.Context, req api.HeartbeatRequest) (api.HeartbeatResponse, error)
	// NextTask returns nil when nothing is queued.
	NextTask(ctx context.Context, environmentID string) (*api.DeploymentTask, error)
	ReportResult(ctx context.Context, report api.ResultReport) (api.ResultAck, error)
}

// StatusError is a non-2xx orchestrator response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("orchestrator returned %d", e.Code)
	}
	return fmt.Sprintf("orchestrator returned %d: %s", e.Code, e.Body)
}

// retryableStatus lists status codes worth retrying: rate limits and server errors.
var retryableStatus = []int{408, 429, 500, 502, 503, 504}

// HTTPTransport talks JSON to an orchestrator over HTTP with a bearer token.
type HTTPTransport struct {
	base   *url.URL
	token  string
	client *http.Client
}

// NewHTTPTransport returns a transport for baseURL. timeout bounds each request.
func NewHTTPTransport(baseURL, token string, timeout time.Duration) (*HTTPTransport, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("orchestrator url %q: scheme must be http or https", baseURL)
	}
	return &HTTPTransport{base: u, token: token, client: &http.Client{Timeout: timeout}}, nil
}

func (t *HTTPTransport) Register(ctx context.Context, req api.RegisterRequest) (api.RegisterResponse, error) {
	var out api.RegisterResponse
	err := t.do(ctx, http.MethodPost, "/v0/environments", req, &out)
	return out, err
}

func (t *HTTPTransport) Heartbeat(ctx context.Context, req api.HeartbeatRequest) (api.HeartbeatResponse, error) {
	var out api.HeartbeatResponse
	err := t.do(ctx, http.MethodPost, "/v0/environments/"+url.PathEscape(req.EnvironmentID)+"/heartbeat", req, &out)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return out, Permanent(fmt.Errorf("%w: %v", ErrUnknownEnvironment, err))
	}
	return out, err
}

func (t *HTTPTransport) NextTask(ctx context.Context, environmentID string) (*api.DeploymentTask, error) {
	var out api.NextTaskResponse
	if err := t.do(ctx, http.MethodGet, "/v0/environments/"+url.PathEscape(environmentID)+"/tasks/next", nil, &out); err != nil {
		return nil, err
	}
	return out.Task, nil
}

func (t *HTTPTransport) ReportResult(ctx context.Context, report api.ResultReport) (api.ResultAck, error) {
	var out api.ResultAck
	err := t.do(ctx, http.MethodPost, "/v0/tasks/"+url.PathEscape(report.TaskID)+"/result", report, &out)
	return out, err
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return Permanent(fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.base.String()+path, body)
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		if slices.Contains(retryableStatus, resp.StatusCode) {
			return se
		}
		return Permanent(se)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
