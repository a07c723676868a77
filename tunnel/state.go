package tunnel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitl/tunlink/logger"
	"github.com/gravitl/tunlink/metrics"
	"github.com/gravitl/tunlink/models"
)

// State - progress of one tunnel attempt
type State int32

const (
	StateIdle State = iota
	StateAwaitingPermission
	StateProbing
	StateRacing
	StateSecuring
	StateAwaitingInbound
	StateConnected
	StateFailed
)

var stateNames = [...]string{
	StateIdle:               "Idle",
	StateAwaitingPermission: "AwaitingPermission",
	StateProbing:            "Probing",
	StateRacing:             "Racing",
	StateSecuring:           "Securing",
	StateAwaitingInbound:    "AwaitingInbound",
	StateConnected:          "Connected",
	StateFailed:             "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Task - handle on one running attempt
type Task struct {
	Request models.ConnectionRequest

	started time.Time
	state   atomic.Int32
	once    sync.Once
	done    chan struct{}
	conn    *Connection
	err     error
}

func newTask(req models.ConnectionRequest) *Task {
	return &Task{Request: req, started: time.Now(), done: make(chan struct{})}
}

func (t *Task) set(s State) {
	prev := State(t.state.Swap(int32(s)))
	if prev == s {
		return
	}
	metrics.TunnelStates.WithLabelValues(s.String()).Inc()
	logger.Log(3, "tunnel", t.Request.TransactionID, "to", t.Request.Remote.MachineName, prev.String(), "->", s.String())
}

// State - the attempt's current state
func (t *Task) State() State {
	return State(t.state.Load())
}

func (t *Task) finish(conn *Connection, err error) {
	t.once.Do(func() {
		t.conn, t.err = conn, err
		result := "connected"
		if err != nil {
			t.set(StateFailed)
			result = "failed"
		} else {
			t.set(StateConnected)
		}
		metrics.ObserveAttempt(t.Request.Direction.String(), result, t.started)
		close(t.done)
	})
}

// Done - closed when the attempt finished
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait - blocks until the attempt finished. A nil connection with a nil error means
// the attempt's connection is delivered through the accept path instead.
func (t *Task) Wait() (*Connection, error) {
	<-t.done
	return t.conn, t.err
}
