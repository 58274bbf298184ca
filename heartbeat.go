package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	defaultCooldown     = 2 * time.Second
	maxDatagramBytes    = 64 * 1024
	maxHeartbeatPayload = 1024
)

type EventKind int

const (
	EventReceived EventKind = iota
	EventTimedOut
	// EventListenFailed means the heartbeat port could not be bound. The
	// process may still be running, it just cannot be monitored.
	EventListenFailed
)

func (k EventKind) String() string {
	switch k {
	case EventReceived:
		return "received"
	case EventTimedOut:
		return "timed_out"
	case EventListenFailed:
		return "listen_failed"
	}
	return "unknown"
}

// Event is produced by a heartbeat listener and consumed by the supervisor.
type Event struct {
	Kind    EventKind
	Session uint64
	Payload string
	Err     error
}

// ListenerConfig describes one heartbeat session.
type ListenerConfig struct {
	Addr     string
	Session  uint64
	Grace    time.Duration
	Timeout  time.Duration
	Cooldown time.Duration
}

// ListenerConfigFor builds the listener settings from a settings snapshot.
func ListenerConfigFor(cfg Config, session uint64) ListenerConfig {
	return ListenerConfig{
		Addr:     net.JoinHostPort("localhost", strconv.Itoa(cfg.ListenPort())),
		Session:  session,
		Grace:    cfg.StartupGrace(),
		Timeout:  cfg.HeartbeatTimeout(),
		Cooldown: defaultCooldown,
	}
}

// Listener waits for heartbeat datagrams on a UDP port and reports each wait
// as a Received or TimedOut event.
type Listener struct {
	cfg  ListenerConfig
	emit func(Event)

	mu      sync.Mutex
	stopped bool
	conn    net.PacketConn
	stop    chan struct{}
	done    chan struct{}
}

// StartListener starts the receive loop in its own goroutine. emit must not
// block.
func StartListener(cfg ListenerConfig, emit func(Event)) *Listener {
	l := &Listener{
		cfg:  cfg,
		emit: emit,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Stop ends the loop. The socket is closed before Stop returns and the loop
// never binds afterwards, so a new listener may bind the same port at once.
// Stop does not wait for the goroutine to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.stop)
	if l.conn != nil {
		_ = l.conn.Close()
	}
}

// Done is closed when the loop goroutine has exited.
func (l *Listener) Done() <-chan struct{} { return l.done }

func (l *Listener) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Listener) bind() (net.PacketConn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return nil, nil
	}
	conn, err := net.ListenPacket("udp4", l.cfg.Addr)
	if err != nil {
		return nil, &BindError{Addr: l.cfg.Addr, Err: err}
	}
	l.conn = conn
	return conn, nil
}

func (l *Listener) sleep(d time.Duration) bool {
	if d <= 0 {
		return !l.isStopped()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-l.stop:
		return false
	}
}

func (l *Listener) send(kind EventKind, payload string, err error) {
	l.emit(Event{Kind: kind, Session: l.cfg.Session, Payload: payload, Err: err})
}

func (l *Listener) run() {
	defer close(l.done)

	if !l.sleep(l.cfg.Grace) {
		return
	}
	conn, err := l.bind()
	if err != nil {
		if !l.isStopped() {
			l.send(EventListenFailed, "", err)
		}
		return
	}
	if conn == nil {
		return
	}
	defer conn.Close()
	slog.Debug("Heartbeat listener bound", slog.String("addr", conn.LocalAddr().String()), slog.Uint64("session", l.cfg.Session))

	buf := make([]byte, maxDatagramBytes)
	for {
		if l.isStopped() {
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(l.cfg.Timeout)); err != nil {
			if l.isStopped() {
				return
			}
			slog.Warn("Setting heartbeat deadline failed", slog.String("err", err.Error()))
		}
		n, _, err := conn.ReadFrom(buf)
		if l.isStopped() {
			return
		}
		switch {
		case err == nil:
			payload, decodeErr := decodeHeartbeat(buf[:n])
			if decodeErr != nil {
				slog.Warn("Discarding heartbeat", slog.String("err", decodeErr.Error()))
				l.send(EventTimedOut, "", decodeErr)
			} else {
				l.send(EventReceived, payload, nil)
			}
		case errors.Is(err, net.ErrClosed):
			return
		default:
			var netErr net.Error
			if !errors.As(err, &netErr) || !netErr.Timeout() {
				slog.Warn("Heartbeat read failed", slog.String("err", err.Error()))
			}
			l.send(EventTimedOut, "", nil)
		}
		if !l.sleep(l.cfg.Cooldown) {
			return
		}
	}
}

// decodeHeartbeat accepts any non-empty UTF-8 payload. Anything else cannot
// confirm liveness. Long payloads are cut to maxHeartbeatPayload bytes on a
// rune boundary.
func decodeHeartbeat(b []byte) (string, error) {
	if len(b) == 0 {
		return "", errors.New("empty heartbeat datagram")
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("heartbeat is not valid UTF-8 (%d bytes)", len(b))
	}
	if len(b) > maxHeartbeatPayload {
		cut := maxHeartbeatPayload
		for cut > 0 && !utf8.RuneStart(b[cut]) {
			cut--
		}
		b = b[:cut]
	}
	return string(b), nil
}

// SendHeartbeat sends one heartbeat datagram to addr. Supervised programs or
// a companion agent call it periodically.
func SendHeartbeat(ctx context.Context, addr, payload string) error {
	if payload == "" {
		payload = "alive"
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp4", addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(payload)); err != nil {
		return fmt.Errorf("sending heartbeat to %s: %w", addr, err)
	}
	return nil
}

// mailbox is an unbounded FIFO between a listener and the control path.
// push never blocks.
type mailbox struct {
	mu    sync.Mutex
	queue []Event
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) push(ev Event) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// drain removes and returns every queued event in arrival order.
func (m *mailbox) drain() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}
