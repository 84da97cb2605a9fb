package orchestrator

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/3cpo-dev/ladapter/pkg/api"
)

// Options configure the HTTP handler.
type Options struct {
	// Token, when set, is required as a bearer token on every /v0 call.
	Token   string
	Version string
}

// EnqueueRequest is the body of POST /v0/environments/{id}/tasks.
type EnqueueRequest struct {
	TaskID         string         `json:"task_id,omitempty"`
	DeploymentID   string         `json:"deployment_id,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" minimum:"0"`
	Steps          []api.TaskStep `json:"steps,omitempty"`
	TaskType       string         `json:"task_type,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
}

// NewServer returns the orchestrator HTTP API.
func NewServer(state *State, opts Options) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(bearerAuth(opts.Token))

	version := opts.Version
	if version == "" {
		version = "dev"
	}
	hcfg := huma.DefaultConfig("ladapter orchestrator", version)
	hcfg.OpenAPIPath = "/openapi"
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, "/v0")

	registerEnvironments(group, state)
	registerTasks(group, state)
	return router
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/v0/") {
				got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
				if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
					http.Error(w, `{"title":"Unauthorized","status":401}`, http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleError(err error) error {
	if errors.Is(err, ErrUnknownEnvironment) {
		return huma.Error404NotFound(err.Error())
	}
	return huma.Error500InternalServerError("internal error", err)
}

func registerEnvironments(a huma.API, state *State) {
	huma.Register(a, huma.Operation{
		OperationID: "register-environment",
		Method:      http.MethodPost,
		Path:        "/environments",
		Summary:     "Register an environment",
	}, func(ctx context.Context, input *struct {
		Body api.RegisterRequest
	}) (*struct{ Body api.RegisterResponse }, error) {
		return &struct{ Body api.RegisterResponse }{Body: state.Register(input.Body)}, nil
	})

	huma.Register(a, huma.Operation{
		OperationID: "list-environments",
		Method:      http.MethodGet,
		Path:        "/environments",
		Summary:     "List environments",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []Environment
	}, error) {
		return &struct{ Body []Environment }{Body: state.Environments()}, nil
	})

	huma.Register(a, huma.Operation{
		OperationID: "heartbeat",
		Method:      http.MethodPost,
		Path:        "/environments/{id}/heartbeat",
		Summary:     "Record a heartbeat",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body api.HeartbeatRequest
	}) (*struct{ Body api.HeartbeatResponse }, error) {
		if input.Body.EnvironmentID != input.ID {
			return nil, huma.Error400BadRequest("environment_id does not match path")
		}
		resp, err := state.Heartbeat(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body api.HeartbeatResponse }{Body: resp}, nil
	})

	huma.Register(a, huma.Operation{
		OperationID: "next-task",
		Method:      http.MethodGet,
		Path:        "/environments/{id}/tasks/next",
		Summary:     "Pop the next queued task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{ Body api.NextTaskResponse }, error) {
		task, err := state.Next(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body api.NextTaskResponse }{Body: api.NextTaskResponse{Task: task}}, nil
	})

	huma.Register(a, huma.Operation{
		OperationID:   "enqueue-task",
		Method:        http.MethodPost,
		Path:          "/environments/{id}/tasks",
		Summary:       "Queue a deployment task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body EnqueueRequest
	}) (*struct{ Body api.DeploymentTask }, error) {
		b := input.Body
		task, err := state.Enqueue(input.ID, api.DeploymentTask{
			TaskID:         b.TaskID,
			DeploymentID:   b.DeploymentID,
			TimeoutSeconds: b.TimeoutSeconds,
			Steps:          b.Steps,
			TaskType:       b.TaskType,
			Config:         b.Config,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body api.DeploymentTask }{Body: task}, nil
	})
}

func registerTasks(a huma.API, state *State) {
	huma.Register(a, huma.Operation{
		OperationID: "report-result",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/result",
		Summary:     "Report a task result",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   api.ResultReport
	}) (*struct{ Body api.ResultAck }, error) {
		if input.Body.TaskID != input.TaskID {
			return nil, huma.Error400BadRequest("task_id does not match path")
		}
		return &struct{ Body api.ResultAck }{Body: state.Report(input.Body)}, nil
	})

	huma.Register(a, huma.Operation{
		OperationID: "get-result",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/result",
		Summary:     "Get a recorded task result",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct{ Body Result }, error) {
		r, ok := state.Result(input.TaskID)
		if !ok {
			return nil, huma.Error404NotFound("no result for task " + input.TaskID)
		}
		return &struct{ Body Result }{Body: r}, nil
	})
}
