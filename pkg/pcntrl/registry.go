/*
Package pcntrl is the process controller (component H, spec.md §4.6):
a registry of child processes keyed by (grid, cluster, node), each
protected by one mutex plus a dense order slice for iteration, and the
start/stop/kill/list state machine that drives it.

Runtime liveness is abstracted behind LivenessChecker and process
creation behind Spawner so the registry itself stays fully testable
without touching the OS, mirroring how the teacher keeps
pkg/runtime.ContainerdRuntime behind a narrow interface rather than
calling containerd directly from the scheduler.
*/
package pcntrl

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iclaustron/gridctl/pkg/griderrs"
	"github.com/iclaustron/gridctl/pkg/log"
	"github.com/iclaustron/gridctl/pkg/metrics"
)

// ProcessKey identifies one managed process within a grid.
type ProcessKey struct {
	Grid    string
	Cluster string
	NodeID  uint32
}

func (k ProcessKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Grid, k.Cluster, k.NodeID)
}

// Matches reports whether k satisfies a partial key, where a zero-value
// field in partial is a wildcard. §4.6.3 lists four valid partial-key
// levels: none, grid only, grid+cluster, and a full key; Matches treats
// all of them uniformly.
func (k ProcessKey) Matches(partial ProcessKey) bool {
	if partial.Grid != "" && partial.Grid != k.Grid {
		return false
	}
	if partial.Cluster != "" && partial.Cluster != k.Cluster {
		return false
	}
	if partial.NodeID != 0 && partial.NodeID != k.NodeID {
		return false
	}
	return true
}

// ProcessEntry is one registry row. Pid == 0 marks a reservation still
// being started; KillOngoing marks a stop/kill in flight.
type ProcessEntry struct {
	Key         ProcessKey
	Program     string
	Version     uint32
	AutoRestart bool
	Params      []string
	BinDir      string
	Pid         int
	StartID     uint64
	KillOngoing bool
}

// clone deep-copies an entry, including Params, so a List snapshot can
// be handed to a caller without holding the registry lock (§4.6.3).
func (e *ProcessEntry) clone() *ProcessEntry {
	out := *e
	out.Params = append([]string(nil), e.Params...)
	return &out
}

// Named, distinguishable outcomes of §4.6.1-§4.6.2 that are not hard
// failures.
var (
	ErrStartAlreadyOngoing   = errors.New("start already ongoing")
	ErrProcessAlreadyRunning = errors.New("process already running")
	ErrFailedToStop          = errors.New("failed to stop")
)

// Registry holds every process this controller manages.
type Registry struct {
	mu          sync.Mutex
	entries     map[ProcessKey]*ProcessEntry
	order       []ProcessKey
	nextStartID uint64

	Checker LivenessChecker
	Spawner Spawner

	// PollInterval paces the post-signal liveness poll of §4.6.2 (three
	// intervals); the kill_ongoing/still-starting retry loops poll every
	// 100ms for up to ten seconds regardless of it. It defaults to one
	// second; tests shrink it so a
	// simulated stop doesn't take three real seconds.
	PollInterval time.Duration
}

// NewRegistry builds an empty Registry using checker and spawner for
// liveness probing and process creation.
func NewRegistry(checker LivenessChecker, spawner Spawner) *Registry {
	return &Registry{
		entries:      make(map[ProcessKey]*ProcessEntry),
		Checker:      checker,
		Spawner:      spawner,
		PollInterval: time.Second,
	}
}

func (r *Registry) pollInterval() time.Duration {
	if r.PollInterval <= 0 {
		return time.Second
	}
	return r.PollInterval
}

// StartRequest is the parsed body of a start request (§4.6.1).
type StartRequest struct {
	Key         ProcessKey
	Program     string
	Version     uint32
	AutoRestart bool
	Params      []string
	BinDir      string
}

// Start reconciles the registry against req per §4.6.1: a fresh
// reservation, an in-progress start, an in-progress kill, or a
// liveness probe of a stale entry, followed by an actual spawn.
func (r *Registry) Start(req StartRequest) error {
	r.mu.Lock()
	if existing, ok := r.entries[req.Key]; ok {
		if existing.Pid == 0 {
			r.mu.Unlock()
			return ErrStartAlreadyOngoing
		}
		if existing.KillOngoing {
			r.mu.Unlock()
			if !r.waitKillOngoing(req.Key, 10*time.Second) {
				return fmt.Errorf("%w: %s: kill still in progress", griderrs.ErrChildProcess, req.Key)
			}
			return r.Start(req)
		}
		pid := existing.Pid
		r.mu.Unlock()
		if r.Checker.Probe(pid) == Alive {
			return ErrProcessAlreadyRunning
		}
		r.mu.Lock()
		delete(r.entries, req.Key)
		r.removeFromOrderLocked(req.Key)
	}

	reservation := &ProcessEntry{
		Key:         req.Key,
		Program:     req.Program,
		Version:     req.Version,
		AutoRestart: req.AutoRestart,
		Params:      append([]string(nil), req.Params...),
		BinDir:      req.BinDir,
	}
	r.entries[req.Key] = reservation
	r.order = append(r.order, req.Key)
	r.mu.Unlock()

	proc, err := r.Spawner.Spawn(req.Program, req.Params, req.BinDir)
	if err != nil {
		r.mu.Lock()
		delete(r.entries, req.Key)
		r.removeFromOrderLocked(req.Key)
		r.mu.Unlock()
		metrics.ProcessStartsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: spawning %s: %v", griderrs.ErrChildProcess, req.Program, err)
	}

	if r.Checker.Probe(proc.Pid) != Alive {
		r.mu.Lock()
		delete(r.entries, req.Key)
		r.removeFromOrderLocked(req.Key)
		r.mu.Unlock()
		metrics.ProcessStartsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %s exited immediately after spawn", griderrs.ErrChildProcess, req.Program)
	}

	r.mu.Lock()
	r.nextStartID++
	reservation.Pid = proc.Pid
	reservation.StartID = r.nextStartID
	running := len(r.entries)
	r.mu.Unlock()

	metrics.ProcessStartsTotal.WithLabelValues("ok").Inc()
	metrics.ProcessesRunning.Set(float64(running))
	log.Info("pcntrl: process started")
	return nil
}

// StopMode distinguishes a graceful stop from a forceful kill (§4.6.2).
type StopMode int

const (
	Graceful StopMode = iota
	Forceful
)

// Stop terminates the process at key, per §4.6.2: an absent entry is
// success; a reservation still starting is retried for up to ten
// seconds; otherwise the registry signals the process, polls liveness
// for up to three seconds, and removes the entry once it confirms the
// same (pid, start_id) has died.
func (r *Registry) Stop(key ProcessKey, mode StopMode) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ProcessStopDuration)

	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if entry.Pid == 0 {
		r.mu.Unlock()
		if !r.waitStarting(key, 10*time.Second) {
			return fmt.Errorf("%w: %s: still starting", griderrs.ErrChildProcess, key)
		}
		return r.Stop(key, mode)
	}
	entry.KillOngoing = true
	pid, startID := entry.Pid, entry.StartID
	r.mu.Unlock()

	if err := r.Checker.Signal(pid, mode); err != nil {
		r.mu.Lock()
		if e, ok := r.entries[key]; ok && e.Pid == pid && e.StartID == startID {
			e.KillOngoing = false
		}
		r.mu.Unlock()
		return fmt.Errorf("%w: signaling %s: %v", griderrs.ErrChildProcess, key, err)
	}

	dead := false
	for i := 0; i < 3; i++ {
		time.Sleep(r.pollInterval())
		if r.Checker.Probe(pid) == Dead {
			dead = true
			break
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.entries[key]
	if !ok || current.Pid != pid || current.StartID != startID {
		return nil
	}
	if dead {
		delete(r.entries, key)
		r.removeFromOrderLocked(key)
		metrics.ProcessesRunning.Set(float64(len(r.entries)))
		return nil
	}
	current.KillOngoing = false
	return ErrFailedToStop
}

// List snapshots every entry matching partial, deep-copied so the
// caller can range over the result without holding the registry lock.
func (r *Registry) List(partial ProcessKey) []*ProcessEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ProcessEntry, 0, len(r.order))
	for _, k := range r.order {
		e, ok := r.entries[k]
		if ok && e.Key.Matches(partial) {
			out = append(out, e.clone())
		}
	}
	return out
}

func (r *Registry) removeFromOrderLocked(key ProcessKey) {
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

func (r *Registry) waitKillOngoing(key ProcessKey, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		e, ok := r.entries[key]
		ongoing := ok && e.KillOngoing
		r.mu.Unlock()
		if !ongoing {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

func (r *Registry) waitStarting(key ProcessKey, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		e, ok := r.entries[key]
		starting := ok && e.Pid == 0
		r.mu.Unlock()
		if !starting {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
