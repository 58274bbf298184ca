package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

type State int

const (
	StateIdle State = iota
	StateRunning
	StateDegraded
	StateRebooting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateRebooting:
		return "rebooting"
	}
	return "unknown"
}

// ConfigSource supplies the settings snapshot read at every action.
type ConfigSource interface {
	Snapshot() Config
}

// HeartbeatMonitor is a running heartbeat session.
type HeartbeatMonitor interface {
	Stop()
}

// HeartbeatFactory starts a heartbeat session that reports through emit.
type HeartbeatFactory func(cfg ListenerConfig, emit func(Event)) HeartbeatMonitor

func startUDPListener(cfg ListenerConfig, emit func(Event)) HeartbeatMonitor {
	return StartListener(cfg, emit)
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State      string    `json:"state"`
	Running    bool      `json:"running"`
	Monitoring bool      `json:"monitoring"`
	Alive      bool      `json:"alive"`
	Pid        int       `json:"pid,omitempty"`
	Failures   int       `json:"failures"`
	Session    string    `json:"session,omitempty"`
	App        string    `json:"app"`
	StartedAt  time.Time `json:"started_at,omitzero"`
}

type Option func(*Supervisor)

func WithLauncher(l Launcher) Option { return func(s *Supervisor) { s.launcher = l } }

func WithSweeper(sw Sweeper) Option { return func(s *Supervisor) { s.sweeper = sw } }

func WithRebooter(r Rebooter) Option { return func(s *Supervisor) { s.rebooter = r } }

func WithHeartbeatFactory(f HeartbeatFactory) Option {
	return func(s *Supervisor) { s.newHeartbeat = f }
}

// WithCooldown overrides the pause after every heartbeat event.
func WithCooldown(d time.Duration) Option { return func(s *Supervisor) { s.cooldown = d } }

// WithSettleDelay overrides the pause between killing duplicate instances.
func WithSettleDelay(d time.Duration) Option { return func(s *Supervisor) { s.settle = d } }

type commandKind int

const (
	cmdStart commandKind = iota
	cmdKill
	cmdRestart
	cmdStatus
)

type command struct {
	kind  commandKind
	reply chan commandResult
}

type commandResult struct {
	status Status
	err    error
}

// Supervisor runs one supervised process and escalates from restart to host
// reboot when heartbeats stop arriving.
//
// All session state is owned by the goroutine running Run. Listeners only
// push events into the mailbox; operator calls are sent as commands.
type Supervisor struct {
	source       ConfigSource
	activity     ActivityLog
	launcher     Launcher
	sweeper      Sweeper
	rebooter     Rebooter
	newHeartbeat HeartbeatFactory
	cooldown     time.Duration
	settle       time.Duration

	commands chan command
	events   *mailbox
	done     chan struct{}

	proc       ProcessHandle
	monitor    HeartbeatMonitor
	state      State
	running    bool
	monitoring bool
	failures   int
	generation uint64
	sessionID  string
	startedAt  time.Time
}

func New(source ConfigSource, activity ActivityLog, opts ...Option) *Supervisor {
	s := &Supervisor{
		source:       source,
		activity:     activity,
		launcher:     ExecLauncher{},
		sweeper:      ProcessSweeper{},
		rebooter:     ShutdownRebooter{},
		newHeartbeat: startUDPListener,
		cooldown:     defaultCooldown,
		settle:       defaultSettleDelay,
		commands:     make(chan command),
		events:       newMailbox(),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run is the control path. It starts the process when the settings ask for
// autostart and then serves operator commands and heartbeat events one at a
// time until ctx is cancelled, at which point the child is terminated.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)
	slog.Info("Supervisor: starting")

	if s.source.Snapshot().Autostart {
		_ = s.start(ctx, true)
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("Supervisor: shutting down, tearing down child")
			if s.proc != nil || s.running {
				s.kill()
			}
			return nil
		case cmd := <-s.commands:
			cmd.reply <- s.execute(ctx, cmd.kind)
		case <-s.events.ready:
			for _, ev := range s.events.drain() {
				s.handle(ctx, ev)
			}
		}
	}
}

// Start launches the supervised process. It is a no-op when the process is
// already running.
func (s *Supervisor) Start(ctx context.Context) error {
	_, err := s.call(ctx, cmdStart)
	return err
}

// Kill terminates the process and ends supervision.
func (s *Supervisor) Kill(ctx context.Context) error {
	_, err := s.call(ctx, cmdKill)
	return err
}

// Restart kills the process and starts a fresh session.
func (s *Supervisor) Restart(ctx context.Context) error {
	_, err := s.call(ctx, cmdRestart)
	return err
}

func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	return s.call(ctx, cmdStatus)
}

func (s *Supervisor) call(ctx context.Context, kind commandKind) (Status, error) {
	reply := make(chan commandResult, 1)
	select {
	case s.commands <- command{kind: kind, reply: reply}:
	case <-s.done:
		return Status{}, ErrNotRunning
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.status, r.err
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (s *Supervisor) execute(ctx context.Context, kind commandKind) commandResult {
	var err error
	switch kind {
	case cmdStart:
		err = s.start(ctx, true)
	case cmdKill:
		s.kill()
	case cmdRestart:
		restartCounter.WithLabelValues("manual").Inc()
		s.kill()
		err = s.start(ctx, true)
	}
	return commandResult{status: s.status(), err: err}
}

// status snapshots the session. A child found to have exited on its own is
// forgotten so its pid is no longer reported.
func (s *Supervisor) status() Status {
	st := Status{
		State:      s.state.String(),
		Running:    s.running,
		Monitoring: s.monitoring,
		Failures:   s.failures,
		Session:    s.sessionID,
		App:        s.source.Snapshot().App,
		StartedAt:  s.startedAt,
	}
	if s.proc != nil && !s.proc.Alive() {
		slog.Info("Child no longer running", slog.Int("pid", s.proc.Pid()))
		s.proc = nil
	}
	if s.proc != nil {
		st.Pid = s.proc.Pid()
		st.Alive = true
	}
	return st
}

// start spawns a new session. Operator starts reset the failure count; a
// restart after a timeout keeps it so escalation can reach the threshold.
func (s *Supervisor) start(ctx context.Context, resetFailures bool) error {
	cfg := s.source.Snapshot()
	if s.running && s.proc != nil && s.proc.Alive() {
		s.activity.Add("Process is already running")
		return nil
	}
	if s.proc != nil {
		_ = s.proc.Terminate()
		s.proc = nil
	}
	s.stopMonitor()

	sweep(ctx, s.sweeper, s.activity, cfg, s.settle)

	proc, err := s.launcher.Launch(cfg.App, cfg.Arguments, cfg.ChildEnv())
	if err != nil {
		spawnErrorCounter.Inc()
		s.activity.Add(fmt.Sprintf("Error starting the process: %v", err))
		s.running = false
		s.monitoring = false
		s.state = StateIdle
		return err
	}
	if resetFailures {
		s.failures = 0
	}
	s.proc = proc
	s.running = true
	s.monitoring = true
	s.generation++
	s.sessionID = uuid.NewString()
	s.startedAt = time.Now()
	s.state = StateRunning
	if s.failures > 0 {
		s.state = StateDegraded
	}
	failureGauge.Set(float64(s.failures))
	monitoringGauge.Set(1)

	lc := ListenerConfigFor(cfg, s.generation)
	lc.Cooldown = s.cooldown
	s.monitor = s.newHeartbeat(lc, s.events.push)

	s.activity.Add(strings.TrimSpace("Process started: " + cfg.App + " " + strings.Join(cfg.Arguments, " ")))
	s.activity.Add(fmt.Sprintf("Process PID: %d", proc.Pid()))
	slog.Debug("Session started",
		slog.String("session", s.sessionID),
		slog.Uint64("generation", s.generation),
		slog.String("listen", lc.Addr),
		slog.Duration("grace", lc.Grace),
		slog.Duration("timeout", lc.Timeout))
	return nil
}

// kill terminates the process and clears the operator's intent to run.
// Terminating an absent or already exited process is not an error.
func (s *Supervisor) kill() {
	cfg := s.source.Snapshot()
	s.activity.Add("Killing the process: " + cfg.App)
	if s.proc != nil {
		if err := s.proc.Terminate(); err != nil {
			s.activity.Add(fmt.Sprintf("Error killing the process: %v", err))
		}
	}
	s.proc = nil
	s.running = false
	s.monitoring = false
	s.stopMonitor()
	s.state = StateIdle
	monitoringGauge.Set(0)
}

func (s *Supervisor) stopMonitor() {
	if s.monitor != nil {
		s.monitor.Stop()
		s.monitor = nil
	}
}

// handle applies one heartbeat event. Events from a superseded session or
// arriving after supervision stopped are dropped without any state change.
func (s *Supervisor) handle(ctx context.Context, ev Event) {
	if !s.running || ev.Session != s.generation {
		slog.Debug("Dropping stale heartbeat event",
			slog.String("kind", ev.Kind.String()),
			slog.Uint64("event_session", ev.Session),
			slog.Uint64("generation", s.generation))
		return
	}
	switch ev.Kind {
	case EventReceived:
		heartbeatCounter.Inc()
		s.failures = 0
		s.state = StateRunning
		failureGauge.Set(0)
	case EventListenFailed:
		listenFailureCounter.Inc()
		s.monitoring = false
		monitoringGauge.Set(0)
		s.activity.Add(fmt.Sprintf("Heartbeat listener unavailable: %v", ev.Err))
	case EventTimedOut:
		s.timeout(ctx)
	}
}

func (s *Supervisor) timeout(ctx context.Context) {
	s.failures++
	timeoutCounter.Inc()
	failureGauge.Set(float64(s.failures))
	s.activity.Add(fmt.Sprintf("Timeout, failures: %d", s.failures))

	threshold := s.source.Snapshot().Reboot
	if threshold > 0 && s.failures >= threshold {
		s.activity.Add(fmt.Sprintf("Rebooting the computer after %d failures", s.failures))
		s.reboot()
		return
	}

	s.activity.Add("Restarting the process")
	restartCounter.WithLabelValues("timeout").Inc()
	s.kill()
	_ = s.start(ctx, false)
}

// reboot ends the session for good: no further events are accepted.
func (s *Supervisor) reboot() {
	s.running = false
	s.monitoring = false
	s.stopMonitor()
	s.state = StateRebooting
	rebootCounter.Inc()
	s.activity.Add("Rebooting the computer")
	if err := s.rebooter.Reboot(); err != nil {
		slog.Error("Reboot command failed", slog.String("err", err.Error()))
	}
}
