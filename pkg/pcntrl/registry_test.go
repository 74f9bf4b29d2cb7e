package pcntrl

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSpawner hands out fabricated pids via os.FindProcess, which on
// unix never validates the pid exists until something is signaled
// against it -- exactly what lets fakeChecker simulate liveness
// without touching any real OS process.
type fakeSpawner struct {
	mu      sync.Mutex
	nextPid int
	fail    bool
}

func (f *fakeSpawner) Spawn(program string, args []string, dir string) (*os.Process, error) {
	if f.fail {
		return nil, fmt.Errorf("spawn of %s failed", program)
	}
	f.mu.Lock()
	f.nextPid++
	pid := f.nextPid
	f.mu.Unlock()
	return os.FindProcess(pid)
}

// fakeChecker tracks liveness purely in memory: a pid is alive unless
// it has been signaled, so a freshly spawned fake pid reads as alive
// without the test needing to know it in advance.
type fakeChecker struct {
	mu   sync.Mutex
	dead map[int]bool
}

func newFakeChecker() *fakeChecker {
	return &fakeChecker{dead: make(map[int]bool)}
}

func (f *fakeChecker) Probe(pid int) Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead[pid] {
		return Dead
	}
	return Alive
}

func (f *fakeChecker) Signal(pid int, mode StopMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[pid] = true
	return nil
}

func testKey(node uint32) ProcessKey {
	return ProcessKey{Grid: "g1", Cluster: "prod", NodeID: node}
}

func newTestRegistry() *Registry {
	reg := NewRegistry(newFakeChecker(), &fakeSpawner{})
	reg.PollInterval = 10 * time.Millisecond
	return reg
}

func TestStartSpawnsAndTracksEntry(t *testing.T) {
	reg := newTestRegistry()
	err := reg.Start(StartRequest{Key: testKey(1), Program: "ndbd", BinDir: "/opt/grid/bin"})
	require.NoError(t, err)

	entries := reg.List(ProcessKey{})
	require.Len(t, entries, 1)
	assert.Equal(t, testKey(1), entries[0].Key)
	assert.NotZero(t, entries[0].Pid)
	assert.Equal(t, uint64(1), entries[0].StartID)
}

func TestStartWhileAliveReturnsAlreadyRunning(t *testing.T) {
	reg := newTestRegistry()
	require.NoError(t, reg.Start(StartRequest{Key: testKey(1), Program: "ndbd"}))

	err := reg.Start(StartRequest{Key: testKey(1), Program: "ndbd"})
	assert.ErrorIs(t, err, ErrProcessAlreadyRunning)
}

func TestStartAfterDeathReinserts(t *testing.T) {
	reg := newTestRegistry()
	require.NoError(t, reg.Start(StartRequest{Key: testKey(1), Program: "ndbd"}))

	before := reg.List(ProcessKey{})[0]
	reg.Checker.(*fakeChecker).dead[before.Pid] = true

	require.NoError(t, reg.Start(StartRequest{Key: testKey(1), Program: "ndbd"}))
	after := reg.List(ProcessKey{})[0]
	assert.NotEqual(t, before.Pid, after.Pid)
	assert.Equal(t, uint64(2), after.StartID)
}

func TestStartPropagatesSpawnFailure(t *testing.T) {
	reg := NewRegistry(newFakeChecker(), &fakeSpawner{fail: true})
	err := reg.Start(StartRequest{Key: testKey(1), Program: "ndbd"})
	assert.Error(t, err)
	assert.Empty(t, reg.List(ProcessKey{}))
}

func TestStopOfAbsentKeyIsSuccess(t *testing.T) {
	reg := newTestRegistry()
	assert.NoError(t, reg.Stop(testKey(99), Graceful))
}

func TestStopRemovesEntryOnceDead(t *testing.T) {
	reg := newTestRegistry()
	require.NoError(t, reg.Start(StartRequest{Key: testKey(1), Program: "ndbd"}))

	require.NoError(t, reg.Stop(testKey(1), Graceful))
	assert.Empty(t, reg.List(ProcessKey{}))
}

func TestListMatchesPartialKeys(t *testing.T) {
	reg := newTestRegistry()
	require.NoError(t, reg.Start(StartRequest{Key: ProcessKey{Grid: "g1", Cluster: "prod", NodeID: 1}, Program: "ndbd"}))
	require.NoError(t, reg.Start(StartRequest{Key: ProcessKey{Grid: "g1", Cluster: "staging", NodeID: 1}, Program: "ndbd"}))
	require.NoError(t, reg.Start(StartRequest{Key: ProcessKey{Grid: "g2", Cluster: "prod", NodeID: 1}, Program: "ndbd"}))

	all := reg.List(ProcessKey{})
	assert.Len(t, all, 3)

	gridOnly := reg.List(ProcessKey{Grid: "g1"})
	assert.Len(t, gridOnly, 2)

	full := reg.List(ProcessKey{Grid: "g1", Cluster: "prod", NodeID: 1})
	assert.Len(t, full, 1)
}

func TestListSnapshotIsIndependentOfLock(t *testing.T) {
	reg := newTestRegistry()
	require.NoError(t, reg.Start(StartRequest{Key: testKey(1), Program: "ndbd", Params: []string{"--foreground"}}))

	snapshot := reg.List(ProcessKey{})
	require.Len(t, snapshot, 1)
	snapshot[0].Params[0] = "mutated"

	fresh := reg.List(ProcessKey{})
	assert.Equal(t, "--foreground", fresh[0].Params[0])
}
