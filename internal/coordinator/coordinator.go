// Package coordinator connects the adapter to a remote orchestrator: it registers
// the environment, heartbeats on a fixed interval, pulls deployment tasks, runs them
// and reports their results at least once.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/ladapter/internal/config"
	"github.com/3cpo-dev/ladapter/internal/errdefs"
	"github.com/3cpo-dev/ladapter/internal/platform"
	"github.com/3cpo-dev/ladapter/internal/store"
	"github.com/3cpo-dev/ladapter/internal/telemetry"
	"github.com/3cpo-dev/ladapter/pkg/api"
)

// State is the connection state towards the orchestrator.
type State string

const (
	Disconnected State = "disconnected"
	Registering  State = "registering"
	Registered   State = "registered"
	Idle         State = "idle"
	Executing    State = "executing"
)

// Connected reports whether the orchestrator currently knows this environment.
func (s State) Connected() bool { return s == Registered || s == Idle || s == Executing }

type Config struct {
	HeartbeatInterval         time.Duration
	PollInterval              time.Duration
	RegisterAttempts          int
	HeartbeatFailureThreshold int
	ReportAttempts            int
	BackoffInitial            time.Duration
	BackoffMax                time.Duration
	MaxConcurrentTasks        int
	// Version is sent at registration.
	Version string
	// EnvironmentType replaces the detected type when set.
	EnvironmentType string
}

// FromConfig maps the file configuration.
func FromConfig(c config.Config, version string) Config {
	o := c.Orchestrator
	return Config{
		HeartbeatInterval:         o.HeartbeatInterval,
		PollInterval:              o.PollInterval,
		RegisterAttempts:          o.RegisterAttempts,
		HeartbeatFailureThreshold: o.HeartbeatFailureThreshold,
		ReportAttempts:            o.ReportAttempts,
		BackoffInitial:            o.BackoffInitial,
		BackoffMax:                o.BackoffMax,
		MaxConcurrentTasks:        c.Execution.MaxConcurrentTasks,
		Version:                   version,
		EnvironmentType:           c.Environment.Type,
	}
}

func (c Config) retry(attempts int) RetryConfig {
	return RetryConfig{Attempts: attempts, InitialDelay: c.BackoffInitial, MaxDelay: c.BackoffMax, BackoffFactor: 2}
}

// Environment is what registration and heartbeats describe.
type Environment interface {
	Descriptor() *platform.Descriptor
	Capabilities() []string
}

// TaskRunner executes one deployment task to completion.
type TaskRunner interface {
	Run(ctx context.Context, task api.DeploymentTask) api.ResultReport
}

// Outbox keeps reports the orchestrator has not acknowledged. *store.Store implements it.
type Outbox interface {
	EnqueueReport(ctx context.Context, r api.ResultReport, attempts int, lastErr string) error
	PendingReports(ctx context.Context) ([]store.PendingReport, error)
	CountPending(ctx context.Context) (int, error)
	AckReport(ctx context.Context, taskID string) error
}

// Status is the operator-visible view of the client.
type Status struct {
	State                        State      `json:"state"`
	LastError                    string     `json:"last_error,omitempty"`
	ConsecutiveHeartbeatFailures int        `json:"consecutive_heartbeat_failures"`
	LastHeartbeat                *time.Time `json:"last_heartbeat,omitempty"`
	RegisteredAt                 *time.Time `json:"registered_at,omitempty"`
	ActiveTasks                  int        `json:"active_tasks"`
	PendingReports               int        `json:"pending_reports"`
}

// Client is the remote coordinator client.
type Client struct {
	cfg       Config
	transport Transport
	env       Environment
	runner    TaskRunner
	outbox    Outbox
	monitor   *telemetry.PerformanceMonitor

	mu            sync.Mutex
	state         State
	lastErr       string
	hbFailures    int
	lastHeartbeat time.Time
	registeredAt  time.Time

	active atomic.Int32
	sem    chan struct{}
	tasks  sync.WaitGroup
}

// New builds a client. monitor may be nil, in which case heartbeats carry an empty
// resource snapshot.
func New(cfg Config, transport Transport, env Environment, runner TaskRunner, outbox Outbox, monitor *telemetry.PerformanceMonitor) *Client {
	if cfg.MaxConcurrentTasks < 1 {
		cfg.MaxConcurrentTasks = 1
	}
	if cfg.HeartbeatFailureThreshold < 1 {
		cfg.HeartbeatFailureThreshold = 1
	}
	return &Client{
		cfg:       cfg,
		transport: transport,
		env:       env,
		runner:    runner,
		outbox:    outbox,
		monitor:   monitor,
		state:     Disconnected,
		sem:       make(chan struct{}, cfg.MaxConcurrentTasks),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		log.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("Coordinator state changed")
	}
}

func (c *Client) disconnect(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
	c.setState(Disconnected)
}

// settle moves a connected client to idle or executing.
func (c *Client) settle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Connected() {
		return
	}
	if c.active.Load() > 0 {
		c.state = Executing
	} else {
		c.state = Idle
	}
}

// Register announces the environment, retrying with exponential backoff. When every
// attempt fails the client is Disconnected and the error matches
// errdefs.ErrRegistrationFailed.
func (c *Client) Register(ctx context.Context) error {
	c.setState(Registering)
	desc := c.env.Descriptor()
	envType := c.cfg.EnvironmentType
	if envType == "" {
		envType = desc.EnvironmentType()
	}
	req := api.RegisterRequest{
		EnvironmentID:   desc.EnvironmentID,
		EnvironmentType: envType,
		Platform:        string(desc.Platform),
		Architecture:    string(desc.Architecture),
		PackageManager:  desc.PackageManager,
		Capabilities:    c.env.Capabilities(),
		Version:         c.cfg.Version,
	}
	attempts, err := retry(ctx, c.cfg.retry(c.cfg.RegisterAttempts), "register", func(ctx context.Context) error {
		_, err := c.transport.Register(ctx, req)
		return err
	})
	if err != nil {
		err = errdefs.New(errdefs.ErrRegistrationFailed, "register", "", string(desc.Platform), err)
		log.Error().Err(err).Int("attempts", attempts).Msg("Registration failed, environment is disconnected")
		c.disconnect(err)
		return err
	}

	c.mu.Lock()
	c.registeredAt = time.Now()
	c.hbFailures = 0
	c.lastErr = ""
	c.mu.Unlock()
	c.setState(Registered)
	log.Info().Str("environment_id", desc.EnvironmentID).Int("attempts", attempts).Msg("Registered with orchestrator")
	c.settle()
	return nil
}

// SendHeartbeat sends one heartbeat. After HeartbeatFailureThreshold consecutive
// failures, or when the orchestrator no longer knows the environment, the client
// becomes Disconnected.
func (c *Client) SendHeartbeat(ctx context.Context) error {
	req := api.HeartbeatRequest{
		EnvironmentID: c.env.Descriptor().EnvironmentID,
		Timestamp:     time.Now().UTC(),
		Capabilities:  c.env.Capabilities(),
		ActiveTasks:   int(c.active.Load()),
	}
	if c.monitor != nil {
		req.ResourceUsage = c.monitor.Snapshot()
	}
	if n, err := c.outbox.CountPending(ctx); err == nil {
		req.PendingReport = n
	}

	_, err := c.transport.Heartbeat(ctx, req)
	if err != nil {
		c.mu.Lock()
		c.hbFailures++
		failures := c.hbFailures
		c.lastErr = err.Error()
		c.mu.Unlock()

		err = errdefs.New(errdefs.ErrHeartbeatFailed, "heartbeat", "", "", err)
		log.Warn().Err(err).Int("consecutive_failures", failures).Msg("Heartbeat failed")
		if failures >= c.cfg.HeartbeatFailureThreshold || errors.Is(err, ErrUnknownEnvironment) {
			c.disconnect(err)
		}
		return err
	}

	c.mu.Lock()
	c.hbFailures = 0
	c.lastHeartbeat = req.Timestamp
	c.mu.Unlock()
	return nil
}

// ReceiveDeploymentTask asks for the next queued task without blocking for one to
// appear. It returns nil when nothing is queued or the client is not connected.
func (c *Client) ReceiveDeploymentTask(ctx context.Context) (*api.DeploymentTask, error) {
	if !c.State().Connected() {
		return nil, nil
	}
	return c.transport.NextTask(ctx, c.env.Descriptor().EnvironmentID)
}

// ReportDeploymentResult delivers report, retrying with backoff until acknowledged.
// When the budget runs out the report is kept in the outbox and retried on later
// heartbeat ticks.
func (c *Client) ReportDeploymentResult(ctx context.Context, report api.ResultReport) error {
	attempts, err := retry(ctx, c.cfg.retry(c.cfg.ReportAttempts), "report", func(ctx context.Context) error {
		ack, err := c.transport.ReportResult(ctx, report)
		if err == nil && ack.Duplicate {
			log.Debug().Str("task_id", report.TaskID).Msg("Orchestrator already had this result")
		}
		return err
	})

	// ctx may be the one that just got cancelled.
	bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err == nil {
		if aerr := c.outbox.AckReport(bg, report.TaskID); aerr != nil {
			log.Error().Err(aerr).Str("task_id", report.TaskID).Msg("Failed to clear outbox entry")
		}
		return nil
	}

	if qerr := c.outbox.EnqueueReport(bg, report, attempts, err.Error()); qerr != nil {
		log.Error().Err(qerr).Str("task_id", report.TaskID).Msg("Failed to keep undelivered report")
	}
	err = errdefs.New(errdefs.ErrReportFailed, "report", "", "", err)
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
	log.Error().Err(err).Str("task_id", report.TaskID).Int("attempts", attempts).Msg("Result not acknowledged, kept in outbox")
	return err
}

// FlushOutbox retries stored reports once each, oldest first, and stops at the first
// failure.
func (c *Client) FlushOutbox(ctx context.Context) (int, error) {
	pending, err := c.outbox.PendingReports(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, p := range pending {
		if _, err := c.transport.ReportResult(ctx, p.Report); err != nil {
			if qerr := c.outbox.EnqueueReport(ctx, p.Report, 1, err.Error()); qerr != nil {
				log.Error().Err(qerr).Str("task_id", p.Report.TaskID).Msg("Failed to update outbox entry")
			}
			return sent, errdefs.New(errdefs.ErrReportFailed, "report", "", "", err)
		}
		if err := c.outbox.AckReport(ctx, p.Report.TaskID); err != nil {
			return sent, err
		}
		sent++
		log.Info().Str("task_id", p.Report.TaskID).Int("previous_attempts", p.Attempts).Msg("Delivered stored result")
	}
	return sent, nil
}

// Run registers and then drives the heartbeat and task loops until ctx ends. The two
// loops are independent: a long task never delays a heartbeat. Run waits for
// in-flight tasks before returning.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Register(ctx); err != nil && ctx.Err() == nil {
		log.Warn().Msg("Starting disconnected, registration is retried on the next heartbeat tick")
	}

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		c.every(ctx, c.cfg.HeartbeatInterval, c.heartbeatTick)
	}()
	go func() {
		defer loops.Done()
		c.every(ctx, c.cfg.PollInterval, c.pollTick)
	}()
	loops.Wait()
	c.tasks.Wait()
	return nil
}

func (c *Client) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (c *Client) heartbeatTick(ctx context.Context) {
	if !c.State().Connected() {
		if err := c.Register(ctx); err != nil {
			return
		}
	}
	if err := c.SendHeartbeat(ctx); err != nil {
		if c.State() == Disconnected && ctx.Err() == nil {
			_ = c.Register(ctx)
		}
		return
	}
	if _, err := c.FlushOutbox(ctx); err != nil {
		log.Debug().Err(err).Msg("Outbox flush stopped")
	}
}

// pollTick pulls tasks while there is a free execution slot.
func (c *Client) pollTick(ctx context.Context) {
	for {
		select {
		case c.sem <- struct{}{}:
		default:
			return
		}
		task, err := c.ReceiveDeploymentTask(ctx)
		if err != nil || task == nil {
			<-c.sem
			if err != nil {
				log.Warn().Err(err).Msg("Polling for tasks failed")
			}
			return
		}
		c.tasks.Add(1)
		go c.execute(ctx, *task)
	}
}

func (c *Client) execute(ctx context.Context, task api.DeploymentTask) {
	defer c.tasks.Done()
	defer func() { <-c.sem }()

	c.active.Add(1)
	c.settle()
	report := c.runner.Run(ctx, task)
	c.active.Add(-1)
	c.settle()

	_ = c.ReportDeploymentResult(ctx, report)
}

// Status returns a snapshot for operators.
func (c *Client) Status() Status {
	c.mu.Lock()
	s := Status{
		State:                        c.state,
		LastError:                    c.lastErr,
		ConsecutiveHeartbeatFailures: c.hbFailures,
		ActiveTasks:                  int(c.active.Load()),
	}
	if !c.lastHeartbeat.IsZero() {
		t := c.lastHeartbeat
		s.LastHeartbeat = &t
	}
	if !c.registeredAt.IsZero() {
		t := c.registeredAt
		s.RegisteredAt = &t
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if n, err := c.outbox.CountPending(ctx); err == nil {
		s.PendingReports = n
	}
	return s
}

// HealthCheck reports orchestrator connectivity for the monitoring server.
func (c *Client) HealthCheck() telemetry.HealthCheck {
	s := c.Status()
	check := telemetry.HealthCheck{
		Name:    "orchestrator",
		Status:  telemetry.HealthStatusHealthy,
		Message: "state " + string(s.State),
		Details: map[string]string{"state": string(s.State)},
	}
	switch {
	case s.State == Disconnected:
		check.Status = telemetry.HealthStatusDegraded
		check.Message = "disconnected: " + s.LastError
	case s.PendingReports > 0:
		check.Status = telemetry.HealthStatusDegraded
		check.Message = "undelivered results in outbox"
	}
	return check
}
