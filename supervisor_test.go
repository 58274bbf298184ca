package watchdog

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type staticConfig struct {
	mu  sync.Mutex
	cfg Config
}

func (c *staticConfig) Snapshot() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.clone()
}

type recordingActivity struct {
	mu    sync.Mutex
	lines []string
}

func (a *recordingActivity) Add(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lines = append(a.lines, msg)
}

func (a *recordingActivity) Lines() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.lines...)
}

func (a *recordingActivity) Count(prefix string) int {
	n := 0
	for _, l := range a.Lines() {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

type fakeProcess struct {
	mu         sync.Mutex
	pid        int
	alive      bool
	terminated int
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated++
	p.alive = false
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	err      error
	launched []*fakeProcess
}

func (l *fakeLauncher) Launch(path string, args, env []string) (ProcessHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, &SpawnError{Path: path, Err: l.err}
	}
	p := &fakeProcess{pid: 1000 + len(l.launched), alive: true}
	l.launched = append(l.launched, p)
	return p, nil
}

func (l *fakeLauncher) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

func (l *fakeLauncher) AliveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, p := range l.launched {
		if p.Alive() {
			n++
		}
	}
	return n
}

type fakeSweeper struct {
	mu     sync.Mutex
	found  []ProcessInfo
	killed []int32
}

func (s *fakeSweeper) Find(context.Context, string, []string) ([]ProcessInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ProcessInfo(nil), s.found...), nil
}

func (s *fakeSweeper) Kill(_ context.Context, pid int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed = append(s.killed, pid)
	kept := s.found[:0]
	for _, p := range s.found {
		if p.Pid != pid {
			kept = append(kept, p)
		}
	}
	s.found = kept
	return nil
}

type fakeRebooter struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeRebooter) Reboot() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func (r *fakeRebooter) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeMonitor struct {
	mu      sync.Mutex
	cfg     ListenerConfig
	emit    func(Event)
	stopped bool
}

func (m *fakeMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *fakeMonitor) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *fakeMonitor) Send(kind EventKind) {
	m.emit(Event{Kind: kind, Session: m.cfg.Session})
}

type monitorRecorder struct {
	mu       sync.Mutex
	monitors []*fakeMonitor
}

func (r *monitorRecorder) factory(cfg ListenerConfig, emit func(Event)) HeartbeatMonitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := &fakeMonitor{cfg: cfg, emit: emit}
	r.monitors = append(r.monitors, m)
	return m
}

func (r *monitorRecorder) Last() *fakeMonitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.monitors) == 0 {
		return nil
	}
	return r.monitors[len(r.monitors)-1]
}

type harness struct {
	sup      *Supervisor
	cfg      *staticConfig
	activity *recordingActivity
	launcher *fakeLauncher
	sweeper  *fakeSweeper
	rebooter *fakeRebooter
	monitors *monitorRecorder
}

func newHarness(t *testing.T, reboot int) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.App = "/opt/app/server"
	cfg.Arguments = []string{"--port", "8080"}
	cfg.PingTime = 5
	cfg.Wait = 0
	cfg.Reboot = reboot
	h := &harness{
		cfg:      &staticConfig{cfg: cfg},
		activity: &recordingActivity{},
		launcher: &fakeLauncher{},
		sweeper:  &fakeSweeper{},
		rebooter: &fakeRebooter{},
		monitors: &monitorRecorder{},
	}
	h.sup = New(h.cfg, h.activity,
		WithLauncher(h.launcher),
		WithSweeper(h.sweeper),
		WithRebooter(h.rebooter),
		WithHeartbeatFactory(h.monitors.factory),
		WithCooldown(time.Millisecond),
		WithSettleDelay(time.Millisecond),
	)
	return h
}

func (h *harness) event(kind EventKind) {
	h.sup.handle(context.Background(), Event{Kind: kind, Session: h.sup.generation})
}

func TestStartLaunchesAndMonitors(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.sup.start(context.Background(), true))

	require.Equal(t, 1, h.launcher.Count())
	require.Equal(t, StateRunning, h.sup.state)
	require.True(t, h.sup.running)
	require.Zero(t, h.sup.failures)

	m := h.monitors.Last()
	require.NotNil(t, m)
	require.Equal(t, "localhost:8000", m.cfg.Addr)
	require.Equal(t, 5*time.Second, m.cfg.Timeout)
	require.Equal(t, h.sup.generation, m.cfg.Session)

	require.Equal(t, []string{
		"Process started: /opt/app/server --port 8080",
		"Process PID: 1000",
	}, h.activity.Lines())
}

func TestFailureCountTracksTrailingTimeouts(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.sup.start(context.Background(), true))

	seq := []EventKind{
		EventTimedOut, EventTimedOut, EventReceived, EventTimedOut,
		EventReceived, EventReceived, EventTimedOut, EventTimedOut, EventTimedOut,
	}
	trailing := 0
	for i, kind := range seq {
		h.event(kind)
		if kind == EventReceived {
			trailing = 0
		} else {
			trailing++
		}
		require.Equal(t, trailing, h.sup.failures, "after event %d", i)
	}
}

func TestReceivedResetsFailureCount(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.sup.start(context.Background(), true))

	h.event(EventTimedOut)
	h.event(EventTimedOut)
	require.Equal(t, 2, h.sup.failures)
	require.Equal(t, StateDegraded, h.sup.state)

	h.event(EventReceived)
	require.Zero(t, h.sup.failures)
	require.Equal(t, StateRunning, h.sup.state)

	h.event(EventTimedOut)
	require.Equal(t, 1, h.sup.failures)
}

func TestRebootDisabledRestartsForever(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.sup.start(context.Background(), true))

	for range 50 {
		h.event(EventTimedOut)
	}
	require.Zero(t, h.rebooter.Calls())
	require.Equal(t, 51, h.launcher.Count())
	require.Equal(t, 50, h.sup.failures)
	require.Equal(t, 1, h.launcher.AliveCount())
	require.True(t, h.sup.running)
}

func TestRebootAfterThreshold(t *testing.T) {
	h := newHarness(t, 3)
	require.NoError(t, h.sup.start(context.Background(), true))

	h.event(EventTimedOut)
	require.Equal(t, 1, h.sup.failures)
	require.Equal(t, 2, h.launcher.Count())

	h.event(EventTimedOut)
	require.Equal(t, 2, h.sup.failures)
	require.Equal(t, 3, h.launcher.Count())
	require.Zero(t, h.rebooter.Calls())

	h.event(EventTimedOut)
	require.Equal(t, 3, h.sup.failures)
	require.Equal(t, 3, h.launcher.Count(), "no restart once the threshold is reached")
	require.Equal(t, 1, h.rebooter.Calls())
	require.Equal(t, StateRebooting, h.sup.state)
	require.True(t, h.monitors.Last().Stopped())

	h.event(EventTimedOut)
	h.event(EventTimedOut)
	require.Equal(t, 1, h.rebooter.Calls())
	require.Equal(t, 3, h.launcher.Count())

	require.Equal(t, 1, h.activity.Count("Rebooting the computer after 3 failures"))
	require.Equal(t, 2, h.activity.Count("Restarting the process"))
	for _, line := range []string{"Timeout, failures: 1", "Timeout, failures: 2", "Timeout, failures: 3"} {
		require.Equal(t, 1, h.activity.Count(line), line)
	}
}

func TestTimeoutAfterKillIsIgnored(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.sup.start(context.Background(), true))
	session := h.sup.generation
	h.sup.kill()
	require.True(t, h.monitors.Last().Stopped())

	before := h.activity.Lines()
	h.sup.handle(context.Background(), Event{Kind: EventTimedOut, Session: session})

	require.Equal(t, before, h.activity.Lines())
	require.Zero(t, h.sup.failures)
	require.Equal(t, StateIdle, h.sup.state)
	require.Zero(t, h.rebooter.Calls())
	require.Equal(t, 1, h.launcher.Count())
}

func TestEventsFromSupersededSessionAreDropped(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.sup.start(context.Background(), true))
	old := h.sup.generation
	h.event(EventTimedOut)
	require.NotEqual(t, old, h.sup.generation)

	h.sup.handle(context.Background(), Event{Kind: EventTimedOut, Session: old})
	require.Equal(t, 1, h.sup.failures)
	require.Equal(t, 2, h.launcher.Count())
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.sup.start(context.Background(), true))
	h.event(EventTimedOut)
	require.Equal(t, 1, h.sup.failures)

	require.NoError(t, h.sup.start(context.Background(), true))
	require.Equal(t, 2, h.launcher.Count())
	require.Equal(t, 1, h.sup.failures)
	require.Equal(t, 1, h.activity.Count("Process is already running"))
}

func TestStatusForgetsExitedProcess(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.sup.start(context.Background(), true))
	st := h.sup.status()
	require.Equal(t, 1000, st.Pid)
	require.True(t, st.Alive)

	p := h.launcher.launched[0]
	p.mu.Lock()
	p.alive = false
	p.mu.Unlock()

	st = h.sup.status()
	require.Zero(t, st.Pid)
	require.False(t, st.Alive)
	require.True(t, st.Running)
	require.Nil(t, h.sup.proc)

	require.NoError(t, h.sup.start(context.Background(), true))
	require.Equal(t, 2, h.launcher.Count())
	require.Equal(t, 1001, h.sup.status().Pid)
	require.Zero(t, h.activity.Count("Process is already running"))
}

func TestStartKillsForeignInstance(t *testing.T) {
	h := newHarness(t, 0)
	h.sweeper.found = []ProcessInfo{{Pid: 4242, Name: "server", Cmdline: []string{"/opt/app/server", "--port", "8080"}}}

	require.NoError(t, h.sup.start(context.Background(), true))

	require.Equal(t, []int32{4242}, h.sweeper.killed)
	require.Equal(t, 1, h.launcher.Count())
	require.Equal(t, 1, h.activity.Count("Process started:"))
	require.Equal(t, 1, h.activity.Count("Process /opt/app/server is already running, killing it"))
}

func TestSpawnErrorLeavesIdle(t *testing.T) {
	h := newHarness(t, 0)
	h.launcher.err = errors.New("no such file")

	err := h.sup.start(context.Background(), true)
	require.ErrorIs(t, err, ErrSpawn)
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	require.Equal(t, "/opt/app/server", spawnErr.Path)

	require.Equal(t, StateIdle, h.sup.state)
	require.False(t, h.sup.running)
	require.Nil(t, h.monitors.Last())
	require.Equal(t, 1, h.activity.Count("Error starting the process:"))
}

func TestRestartSpawnFailureStopsSupervision(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.sup.start(context.Background(), true))
	h.launcher.mu.Lock()
	h.launcher.err = errors.New("disk gone")
	h.launcher.mu.Unlock()

	h.event(EventTimedOut)
	require.Equal(t, StateIdle, h.sup.state)
	require.False(t, h.sup.running)

	h.event(EventTimedOut)
	require.Equal(t, 1, h.activity.Count("Timeout, failures:"))
}

func TestListenFailureIsReportedSeparately(t *testing.T) {
	h := newHarness(t, 2)
	require.NoError(t, h.sup.start(context.Background(), true))

	h.sup.handle(context.Background(), Event{
		Kind:    EventListenFailed,
		Session: h.sup.generation,
		Err:     &BindError{Addr: "localhost:8000", Err: errors.New("address already in use")},
	})

	require.True(t, h.sup.running)
	require.False(t, h.sup.monitoring)
	require.Zero(t, h.sup.failures)
	require.Equal(t, StateRunning, h.sup.state)
	require.Equal(t, 1, h.activity.Count("Heartbeat listener unavailable: binding localhost:8000"))
	require.Zero(t, h.activity.Count("Timeout"))
}

func TestKillIsIdempotent(t *testing.T) {
	h := newHarness(t, 0)
	h.sup.kill()
	require.Equal(t, StateIdle, h.sup.state)

	require.NoError(t, h.sup.start(context.Background(), true))
	p := h.launcher.launched[0]
	h.sup.kill()
	h.sup.kill()
	require.False(t, p.Alive())
	require.Equal(t, 1, p.terminated)
	require.Zero(t, h.activity.Count("Error killing the process"))
}

func TestKillThenStartLeavesOneProcess(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.sup.start(context.Background(), true))
	h.sup.kill()
	require.NoError(t, h.sup.start(context.Background(), true))
	require.Equal(t, 1, h.launcher.AliveCount())
	require.Len(t, h.monitors.monitors, 2)
	require.True(t, h.monitors.monitors[0].Stopped())
	require.False(t, h.monitors.monitors[1].Stopped())
}

func TestRunServesCommandsAndEvents(t *testing.T) {
	h := newHarness(t, 0)
	h.cfg.cfg.Autostart = true
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.sup.Run(ctx) }()

	require.Eventually(t, func() bool { return h.launcher.Count() == 1 }, time.Second, 5*time.Millisecond)

	st, err := h.sup.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, "running", st.State)
	require.Equal(t, 1000, st.Pid)
	require.True(t, st.Alive)
	require.NotEmpty(t, st.Session)

	h.monitors.Last().Send(EventTimedOut)
	require.Eventually(t, func() bool {
		st, err := h.sup.Status(ctx)
		return err == nil && st.Failures == 1 && st.Pid == 1001
	}, time.Second, 5*time.Millisecond)

	h.monitors.Last().Send(EventReceived)
	require.Eventually(t, func() bool {
		st, err := h.sup.Status(ctx)
		return err == nil && st.Failures == 0 && st.State == "running"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.sup.Kill(ctx))
	st, err = h.sup.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, "idle", st.State)
	require.False(t, st.Running)

	require.NoError(t, h.sup.Restart(ctx))
	require.Equal(t, 3, h.launcher.Count())

	cancel()
	require.NoError(t, <-errCh)
	require.Zero(t, h.launcher.AliveCount())

	_, err = h.sup.Status(context.Background())
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestSupervisorWithUDPHeartbeat(t *testing.T) {
	addr := freeUDPAddr(t)
	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.App = "/opt/app/server"
	cfg.Ports = []int{port, port + 1}
	cfg.PingTime = 1
	cfg.Wait = 0
	cfg.Reboot = 0
	launcher := &fakeLauncher{}
	s := New(&staticConfig{cfg: cfg}, &recordingActivity{},
		WithLauncher(launcher),
		WithSweeper(&fakeSweeper{}),
		WithRebooter(&fakeRebooter{}),
		WithCooldown(10*time.Millisecond),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.NoError(t, s.Start(ctx))

	// Heartbeats well inside the timeout keep the first process alive.
	deadline := time.Now().Add(1500 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, SendHeartbeat(ctx, addr, "alive"))
		time.Sleep(100 * time.Millisecond)
	}
	st, err := s.Status(ctx)
	require.NoError(t, err)
	require.Zero(t, st.Failures)
	require.Equal(t, 1, launcher.Count())
	require.True(t, st.Monitoring)

	// Silence leads to a timeout and a restart that rebinds the same port.
	require.Eventually(t, func() bool {
		st, err := s.Status(ctx)
		return err == nil && st.Failures == 1 && launcher.Count() == 2
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_ = SendHeartbeat(ctx, addr, "back")
		st, err := s.Status(ctx)
		return err == nil && st.Failures == 0 && st.Monitoring
	}, 3*time.Second, 50*time.Millisecond)
}
