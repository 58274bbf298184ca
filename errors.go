package watchdog

import (
	"errors"
	"fmt"
)

var (
	ErrSpawn         = errors.New("spawn failed")
	ErrSocketBind    = errors.New("heartbeat socket bind failed")
	ErrNotRunning    = errors.New("supervisor is not running")
	ErrAlreadyLocked = errors.New("another watchdog instance holds the lock")
	ErrInvalidConfig = errors.New("invalid configuration")
	errNoExecutable  = errors.New("no executable configured")
)

// SpawnError reports an executable that could not be started.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("starting %q: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() []error { return []error{ErrSpawn, e.Err} }

// BindError reports a heartbeat port that could not be bound. The supervised
// process keeps running but is no longer monitored.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("binding %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() []error { return []error{ErrSocketBind, e.Err} }
