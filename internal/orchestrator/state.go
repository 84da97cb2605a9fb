// Package orchestrator is a small in-memory orchestrator: it tracks registered
// environments and their heartbeats, queues deployment tasks per environment and
// records each task's result once.
package orchestrator

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/ladapter/pkg/api"
)

// ErrUnknownEnvironment is returned for calls naming an environment that never registered.
var ErrUnknownEnvironment = errors.New("unknown environment")

// Environment is the orchestrator's record of one adapter.
type Environment struct {
	ID             string            `json:"environment_id"`
	Type           string            `json:"environment_type"`
	Platform       string            `json:"platform"`
	Architecture   string            `json:"architecture,omitempty"`
	PackageManager string            `json:"package_manager,omitempty"`
	Version        string            `json:"version,omitempty"`
	Capabilities   []string          `json:"capabilities"`
	RegisteredAt   time.Time         `json:"registered_at"`
	LastHeartbeat  time.Time         `json:"last_heartbeat,omitempty"`
	ResourceUsage  api.ResourceUsage `json:"resource_usage"`
	ActiveTasks    int               `json:"active_tasks"`
	PendingReports int               `json:"pending_reports"`
	Queued         int               `json:"queued"`
	Stale          bool              `json:"stale"`
}

// Result is a recorded task result.
type Result struct {
	Report     api.ResultReport `json:"report"`
	ReceivedAt time.Time        `json:"received_at"`
	Deliveries int              `json:"deliveries"`
}

// State holds everything in memory and is safe for concurrent use.
type State struct {
	mu         sync.Mutex
	envs       map[string]*Environment
	queues     map[string][]api.DeploymentTask
	results    map[string]*Result
	stale      map[string]bool
	staleAfter time.Duration
	now        func() time.Time
}

// NewState returns empty state. An environment without a heartbeat for staleAfter
// is reported stale.
func NewState(staleAfter time.Duration) *State {
	return &State{
		envs:       map[string]*Environment{},
		queues:     map[string][]api.DeploymentTask{},
		results:    map[string]*Result{},
		stale:      map[string]bool{},
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Register records or refreshes an environment. Its queue survives re-registration.
func (s *State) Register(req api.RegisterRequest) api.RegisterResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.envs[req.EnvironmentID] = &Environment{
		ID:             req.EnvironmentID,
		Type:           req.EnvironmentType,
		Platform:       req.Platform,
		Architecture:   req.Architecture,
		PackageManager: req.PackageManager,
		Version:        req.Version,
		Capabilities:   append([]string{}, req.Capabilities...),
		RegisteredAt:   now,
		LastHeartbeat:  now,
	}
	delete(s.stale, req.EnvironmentID)
	log.Info().Str("environment_id", req.EnvironmentID).Str("platform", req.Platform).Msg("Environment registered")
	return api.RegisterResponse{EnvironmentID: req.EnvironmentID, RegisteredAt: now}
}

// Heartbeat refreshes the liveness of a registered environment.
func (s *State) Heartbeat(req api.HeartbeatRequest) (api.HeartbeatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envs[req.EnvironmentID]
	if !ok {
		return api.HeartbeatResponse{}, ErrUnknownEnvironment
	}
	env.LastHeartbeat = s.now()
	env.Capabilities = append([]string{}, req.Capabilities...)
	env.ResourceUsage = req.ResourceUsage
	env.ActiveTasks = req.ActiveTasks
	env.PendingReports = req.PendingReport
	delete(s.stale, req.EnvironmentID)
	return api.HeartbeatResponse{ServerTime: env.LastHeartbeat, Queued: len(s.queues[req.EnvironmentID])}, nil
}

// Enqueue appends task to an environment's queue, assigning a task id when empty.
func (s *State) Enqueue(environmentID string, task api.DeploymentTask) (api.DeploymentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.envs[environmentID]; !ok {
		return task, ErrUnknownEnvironment
	}
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	task.CreatedAt = s.now()
	s.queues[environmentID] = append(s.queues[environmentID], task)
	log.Info().Str("environment_id", environmentID).Str("task_id", task.TaskID).Msg("Task queued")
	return task, nil
}

// Next pops the oldest queued task, or returns nil.
func (s *State) Next(environmentID string) (*api.DeploymentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.envs[environmentID]; !ok {
		return nil, ErrUnknownEnvironment
	}
	q := s.queues[environmentID]
	if len(q) == 0 {
		return nil, nil
	}
	task := q[0]
	s.queues[environmentID] = q[1:]
	return &task, nil
}

// Report records a result. Only the first delivery of a task id is kept; later ones
// are acknowledged as duplicates.
func (s *State) Report(r api.ResultReport) api.ResultAck {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.results[r.TaskID]; ok {
		prev.Deliveries++
		log.Debug().Str("task_id", r.TaskID).Int("deliveries", prev.Deliveries).Msg("Duplicate result ignored")
		return api.ResultAck{TaskID: r.TaskID, Duplicate: true}
	}
	s.results[r.TaskID] = &Result{Report: r, ReceivedAt: s.now(), Deliveries: 1}
	log.Info().Str("task_id", r.TaskID).Str("status", string(r.Status)).Str("reason", r.Reason).Msg("Result recorded")
	return api.ResultAck{TaskID: r.TaskID}
}

// Result returns the recorded result of a task.
func (s *State) Result(taskID string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[taskID]
	if !ok {
		return Result{}, false
	}
	return *r, true
}

// ResultCount is the number of distinct task ids with a recorded result.
func (s *State) ResultCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

// Environments lists environments by id with staleness evaluated now.
func (s *State) Environments() []Environment {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]Environment, 0, len(s.envs))
	for id, e := range s.envs {
		env := *e
		env.Capabilities = append([]string{}, e.Capabilities...)
		env.Queued = len(s.queues[id])
		env.Stale = s.isStale(e, now)
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sweep returns the environments that became stale since the previous sweep.
func (s *State) Sweep() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var newly []string
	for id, e := range s.envs {
		if s.isStale(e, now) && !s.stale[id] {
			s.stale[id] = true
			newly = append(newly, id)
			log.Warn().Str("environment_id", id).Time("last_heartbeat", e.LastHeartbeat).Msg("Environment is stale")
		}
	}
	sort.Strings(newly)
	return newly
}

func (s *State) isStale(e *Environment, now time.Time) bool {
	return s.staleAfter > 0 && now.Sub(e.LastHeartbeat) > s.staleAfter
}
