package configfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/iclaustron/gridctl/pkg/gridmodel"
	"github.com/iclaustron/gridctl/pkg/paramreg"
	"github.com/iclaustron/gridctl/pkg/pcntrl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSampleCluster(t *testing.T) *gridmodel.ClusterConfig {
	t.Helper()
	reg := paramreg.Default()
	cc := gridmodel.NewClusterConfig(1, "prod", 4)

	n1, err := cc.NewNode(1, gridmodel.NodeDataServer)
	require.NoError(t, err)
	n1.Hostname = "h1"
	n1.NodeDataPath = "/var/lib/grid/1"
	gridmodel.ApplyDerivationRules(reg, n1)

	n2, err := cc.NewNode(2, gridmodel.NodeClient)
	require.NoError(t, err)
	n2.Hostname = "h2"
	n2.NodeDataPath = "/var/lib/grid/2"

	require.NoError(t, cc.AddComm(&gridmodel.CommSection{
		FirstNodeID: 1, SecondNodeID: 2, ServerNodeID: 1, ServerPort: 1186,
		SendBufferSize: 2097152, ReceiveBufferSize: 2097152, UseChecksum: true,
	}))
	return cc
}

func TestWriteThenParseClusterFileRoundTrips(t *testing.T) {
	reg := paramreg.Default()
	cc := buildSampleCluster(t)

	var buf bytes.Buffer
	require.NoError(t, WriteClusterFile(&buf, reg, cc))

	got, err := ParseClusterFile(reg, cc.ClusterID, cc.ClusterName, &buf)
	require.NoError(t, err)

	assert.Equal(t, cc.NumNodes(), got.NumNodes())
	assert.Equal(t, "h1", got.Node(1).Hostname)
	assert.Equal(t, 1, got.NumComms())

	fsPathID, _ := reg.ByName("filesystem_path")
	fs, ok := got.Node(1).GetString(fsPathID.ConfigID)
	require.True(t, ok)
	assert.Equal(t, "/var/lib/grid/1", fs)
}

func TestParseClusterFileRejectsMissingMandatory(t *testing.T) {
	reg := paramreg.Default()
	src := "[client]\nnode_id: 1\n"
	_, err := ParseClusterFile(reg, 1, "prod", bytes.NewBufferString(src))
	assert.Error(t, err)
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestParseClusterFileAppliesDefaultSection(t *testing.T) {
	reg := paramreg.Default()
	src := "[client default]\nhostname: fallback\nnode_data_path: /var/lib/fallback\n\n" +
		"[client]\nnode_id: 3\n\n" +
		"[client]\nnode_id: 4\nhostname: h4\nnode_data_path: /var/lib/4\n"

	cc, err := ParseClusterFile(reg, 1, "prod", bytes.NewBufferString(src))
	require.NoError(t, err)
	assert.Equal(t, "fallback", cc.Node(3).Hostname)
	assert.Equal(t, "h4", cc.Node(4).Hostname)
}

func TestParseClusterFileRejectsDuplicateNodeID(t *testing.T) {
	reg := paramreg.Default()
	src := "[client]\nnode_id: 1\nhostname: a\nnode_data_path: /a\n\n" +
		"[data server]\nnode_id: 1\nhostname: b\nnode_data_path: /b\n"
	_, err := ParseClusterFile(reg, 1, "prod", bytes.NewBufferString(src))
	assert.Error(t, err)
}

func TestGridIndexRoundTrips(t *testing.T) {
	entries := []GridIndexEntry{
		{ClusterName: "prod", ClusterID: 1, Password: "secret"},
		{ClusterName: "staging", ClusterID: 2},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteGridIndex(&buf, entries))

	got, err := ParseGridIndex(&buf)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestRewriterCommitsAndLoadsCommitted(t *testing.T) {
	dir := t.TempDir()
	reg := paramreg.Default()
	cc := buildSampleCluster(t)
	grid := gridmodel.NewGrid()
	require.NoError(t, grid.AddCluster(cc))

	rw := &Rewriter{DataDir: dir, Registry: reg}
	require.NoError(t, rw.Rewrite(grid, 1))

	s, err := ReadSidecar(dir)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State)
	assert.Equal(t, uint64(1), s.Version)

	loaded, version, err := LoadCommitted(reg, dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
	lc, ok := loaded.Cluster("prod")
	require.True(t, ok)
	assert.Equal(t, 2, lc.NumNodes())
}

// writeCommittedVersion1 lays down a fully committed version 1 on
// disk (index, cluster file, and an Idle sidecar), as if a prior
// Rewrite(grid, 1) had completed cleanly.
func writeCommittedVersion1(t *testing.T, dir string, reg *paramreg.Registry, cc *gridmodel.ClusterConfig) {
	t.Helper()
	var idxBuf bytes.Buffer
	require.NoError(t, WriteGridIndex(&idxBuf, []GridIndexEntry{{ClusterName: cc.ClusterName, ClusterID: cc.ClusterID}}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, indexFileName(1)), idxBuf.Bytes(), 0o644))

	var clusterBuf bytes.Buffer
	require.NoError(t, WriteClusterFile(&clusterBuf, reg, cc))
	require.NoError(t, os.WriteFile(filepath.Join(dir, clusterFileName(cc.ClusterName, 1)), clusterBuf.Bytes(), 0o644))

	require.NoError(t, WriteSidecar(dir, Sidecar{Version: 1, State: StateIdle, Pid: os.Getpid()}))
}

// deadChecker reports every pid as dead, simulating a crashed writer
// whose process no longer exists.
type deadChecker struct{}

func (deadChecker) Probe(pid int) pcntrl.Outcome               { return pcntrl.Dead }
func (deadChecker) Signal(pid int, mode pcntrl.StopMode) error { return nil }

// aliveChecker reports every pid as alive, simulating a writer that
// is still running.
type aliveChecker struct{}

func (aliveChecker) Probe(pid int) pcntrl.Outcome               { return pcntrl.Alive }
func (aliveChecker) Signal(pid int, mode pcntrl.StopMode) error { return nil }

// TestRecoverDeletesOrphanFilesFromInterruptedRewrite reproduces the
// scenario 6 crash: a committed version 1 exists, a writer crashed
// between steps 2 and 3 of a rewrite to version 2 (so new-version
// files landed on disk but the sidecar still names version 1, Busy),
// and a restarting process must see version 1 still committed and
// delete the orphan version-2 files.
func TestRecoverDeletesOrphanFilesFromInterruptedRewrite(t *testing.T) {
	dir := t.TempDir()
	reg := paramreg.Default()
	cc := buildSampleCluster(t)
	writeCommittedVersion1(t, dir, reg, cc)

	var idxBuf bytes.Buffer
	require.NoError(t, WriteGridIndex(&idxBuf, []GridIndexEntry{{ClusterName: cc.ClusterName, ClusterID: cc.ClusterID}}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, indexFileName(2)), idxBuf.Bytes(), 0o644))
	var clusterBuf bytes.Buffer
	require.NoError(t, WriteClusterFile(&clusterBuf, reg, cc))
	orphanClusterPath := filepath.Join(dir, clusterFileName(cc.ClusterName, 2))
	require.NoError(t, os.WriteFile(orphanClusterPath, clusterBuf.Bytes(), 0o644))

	require.NoError(t, WriteSidecar(dir, Sidecar{Version: 1, State: StateUpdateConfigs, Pid: 999999}))

	rw := &Rewriter{DataDir: dir, Registry: reg, Checker: deadChecker{}}
	require.NoError(t, rw.Recover())

	s, err := ReadSidecar(dir)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State)
	assert.Equal(t, uint64(1), s.Version, "recovery must not promote the never-committed version 2")

	_, err = os.Stat(orphanClusterPath)
	assert.True(t, os.IsNotExist(err), "orphan version-2 cluster file must be deleted")
	_, err = os.Stat(filepath.Join(dir, indexFileName(2)))
	assert.True(t, os.IsNotExist(err), "orphan version-2 index file must be deleted")

	loaded, version, err := LoadCommitted(reg, dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
	_, ok := loaded.Cluster(cc.ClusterName)
	assert.True(t, ok)
}

func TestRecoverLeavesLiveWriterAlone(t *testing.T) {
	dir := t.TempDir()
	reg := paramreg.Default()
	cc := buildSampleCluster(t)
	writeCommittedVersion1(t, dir, reg, cc)
	require.NoError(t, WriteSidecar(dir, Sidecar{Version: 1, State: StateUpdateConfigs, Pid: os.Getpid()}))

	rw := &Rewriter{DataDir: dir, Registry: reg, Checker: aliveChecker{}}
	err := rw.Recover()
	assert.Error(t, err, "recovery must not touch a directory owned by a live pid")

	s, err := ReadSidecar(dir)
	require.NoError(t, err)
	assert.Equal(t, StateUpdateConfigs, s.State, "sidecar must be untouched")
}

func TestRecoverFailsWhenCommittedVersionFilesMissing(t *testing.T) {
	dir := t.TempDir()
	reg := paramreg.Default()
	require.NoError(t, WriteSidecar(dir, Sidecar{Version: 1, State: StateBusy, Pid: os.Getpid()}))

	rw := &Rewriter{DataDir: dir, Registry: reg, Checker: deadChecker{}}
	err := rw.Recover()
	assert.Error(t, err, "version 1 is claimed committed but has no files on disk")
}

func TestLoadCommittedRefusesUnrecoveredDirectory(t *testing.T) {
	dir := t.TempDir()
	reg := paramreg.Default()
	require.NoError(t, WriteSidecar(dir, Sidecar{Version: 1, State: StateBusy, Pid: os.Getpid()}))

	_, _, err := LoadCommitted(reg, dir)
	assert.Error(t, err)
}

func TestRewriteDeletesPriorVersionFiles(t *testing.T) {
	dir := t.TempDir()
	reg := paramreg.Default()
	cc := buildSampleCluster(t)
	grid := gridmodel.NewGrid()
	require.NoError(t, grid.AddCluster(cc))

	rw := &Rewriter{DataDir: dir, Registry: reg}
	require.NoError(t, rw.Rewrite(grid, 1))
	require.NoError(t, rw.Rewrite(grid, 2))

	_, err := os.Stat(filepath.Join(dir, indexFileName(1)))
	assert.True(t, os.IsNotExist(err), "version 1's index file must be removed once version 2 commits")
	_, err = os.Stat(filepath.Join(dir, clusterFileName(cc.ClusterName, 1)))
	assert.True(t, os.IsNotExist(err), "version 1's cluster file must be removed once version 2 commits")

	_, err = os.Stat(filepath.Join(dir, indexFileName(2)))
	assert.NoError(t, err)

	s, err := ReadSidecar(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.Version)
	assert.Equal(t, StateIdle, s.State)
}

func TestRewriteRefusesWhenPriorRewriteUnrecovered(t *testing.T) {
	dir := t.TempDir()
	reg := paramreg.Default()
	cc := buildSampleCluster(t)
	grid := gridmodel.NewGrid()
	require.NoError(t, grid.AddCluster(cc))

	require.NoError(t, WriteSidecar(dir, Sidecar{Version: 0, State: StateUpdateConfigs, Pid: os.Getpid()}))

	rw := &Rewriter{DataDir: dir, Registry: reg}
	err := rw.Rewrite(grid, 1)
	assert.Error(t, err, "Rewrite must not proceed over an unrecovered interrupted rewrite")
}
