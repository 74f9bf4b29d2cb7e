package configfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/iclaustron/gridctl/pkg/gridmodel"
	"github.com/iclaustron/gridctl/pkg/griderrs"
	"github.com/iclaustron/gridctl/pkg/log"
	"github.com/iclaustron/gridctl/pkg/paramreg"
	"github.com/iclaustron/gridctl/pkg/pcntrl"
)

// State is the sidecar's crash-recovery marker. Idle means the
// directory holds a fully committed version and no writer owns it.
// Busy and the Update* variants all mean a writer was mid-rewrite when
// the sidecar was last written; Recover takes ownership of and finishes
// all of them the same way.
type State string

const (
	StateIdle State = "idle"
	StateBusy State = "busy"

	// StateUpdateClusterConfig marks a rewrite of a single cluster's
	// file without touching the rest of the grid.
	StateUpdateClusterConfig State = "update_cluster_config"

	// StateUpdateConfigs marks a rewrite of every per-cluster file plus
	// the grid index: the form Rewriter.Rewrite performs.
	StateUpdateConfigs State = "update_configs"
)

// busy reports whether s is any of the in-flight markers, as opposed
// to Idle.
func (s State) busy() bool {
	return s != StateIdle
}

const sidecarName = "config.version"

// Sidecar is the on-disk config.version file: three lines, "version:
// N", "state: S", "pid: P". Pid records the writer that last touched
// the directory, so a recovering process can tell whether the writer
// is still running (and should be left alone) or is gone (and
// recovery should take ownership).
type Sidecar struct {
	Version uint64
	State   State
	Pid     int
}

func sidecarPath(dataDir string) string {
	return filepath.Join(dataDir, sidecarName)
}

// ReadSidecar parses the config.version file. A missing file is not
// an error: it means no rewrite has ever completed in dataDir, and
// the caller should treat the directory as version 0.
func ReadSidecar(dataDir string) (Sidecar, error) {
	f, err := os.Open(sidecarPath(dataDir))
	if os.IsNotExist(err) {
		return Sidecar{State: StateIdle}, nil
	}
	if err != nil {
		return Sidecar{}, fmt.Errorf("%w: %v", griderrs.ErrIO, err)
	}
	defer f.Close()

	var s Sidecar
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			return Sidecar{}, fmt.Errorf("%w: malformed sidecar line %q", griderrs.ErrConfig, line)
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		switch key {
		case "version":
			v, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return Sidecar{}, fmt.Errorf("%w: bad version %q", griderrs.ErrConfig, val)
			}
			s.Version = v
		case "state":
			s.State = State(val)
		case "pid":
			p, err := strconv.Atoi(val)
			if err != nil {
				return Sidecar{}, fmt.Errorf("%w: bad pid %q", griderrs.ErrConfig, val)
			}
			s.Pid = p
		}
	}
	if err := scanner.Err(); err != nil {
		return Sidecar{}, fmt.Errorf("%w: %v", griderrs.ErrIO, err)
	}
	return s, nil
}

// WriteSidecar writes config.version atomically: a temp file in the
// same directory, fsynced, then renamed over the old one so a reader
// never observes a half-written sidecar.
func WriteSidecar(dataDir string, s Sidecar) error {
	tmp, err := os.CreateTemp(dataDir, sidecarName+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", griderrs.ErrIO, err)
	}
	defer os.Remove(tmp.Name())

	body := fmt.Sprintf("version: %d\nstate: %s\npid: %d\n", s.Version, s.State, s.Pid)
	if _, err := tmp.WriteString(body); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", griderrs.ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", griderrs.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", griderrs.ErrIO, err)
	}
	if err := os.Rename(tmp.Name(), sidecarPath(dataDir)); err != nil {
		return fmt.Errorf("%w: %v", griderrs.ErrIO, err)
	}
	return nil
}

// writeSidecarVerified performs §4.3 step 3's "create+write; then read
// it back and require equality": it writes s, then re-reads the
// sidecar it just wrote and rejects a mismatch. A mismatch means a
// racing writer's rename landed between our write and our read-back,
// and the caller must abort rather than treat newVersion as committed.
func writeSidecarVerified(dataDir string, s Sidecar) error {
	if err := WriteSidecar(dataDir, s); err != nil {
		return err
	}
	got, err := ReadSidecar(dataDir)
	if err != nil {
		return err
	}
	if got != s {
		return fmt.Errorf("%w: a racing writer committed version %d (pid %d) while pid %d was committing version %d",
			griderrs.ErrConfig, got.Version, got.Pid, s.Pid, s.Version)
	}
	return nil
}

func indexFileName(version uint64) string {
	return fmt.Sprintf("config_v%d.ini", version)
}

func clusterFileName(clusterName string, version uint64) string {
	return fmt.Sprintf("%s_v%d.ini", clusterName, version)
}

// Rewriter performs the atomic multi-file rewrite protocol of §4.3
// against one data directory. For a grid whose currently committed
// version is V:
//  1. delete all files for V-1, left behind by a prior rewrite that
//     crashed during its step 4;
//  2. write every per-cluster file and the cluster index file for
//     V+1;
//  3. update the sidecar to version V+1, state Idle, our pid, via
//     create+write, then read it back and require equality;
//  4. delete all files for V.
//
// Until step 3 commits, the sidecar still names V as the committed
// version, so a crash at any point before then leaves a reader able
// to keep loading V; Recover deletes whatever V+1 files step 2 left
// behind. A crash during step 4 leaves an Idle sidecar, which Recover
// does not touch; the V files it leaves are deleted by the next
// Rewrite's step 1.
type Rewriter struct {
	DataDir  string
	Registry *paramreg.Registry

	// Checker probes whether a sidecar's recorded pid is still alive.
	// Defaults to pcntrl.SignalChecker{}.
	Checker pcntrl.LivenessChecker
}

func (rw *Rewriter) checker() pcntrl.LivenessChecker {
	if rw.Checker != nil {
		return rw.Checker
	}
	return pcntrl.SignalChecker{}
}

// Rewrite persists grid at newVersion, rewriting every per-cluster
// file and the grid index (§4.3's UpdateConfigs form).
func (rw *Rewriter) Rewrite(grid *gridmodel.Grid, newVersion uint64) error {
	log.Logger.Info().Str("data_dir", rw.DataDir).Uint64("new_version", newVersion).Msg("configfile: starting rewrite")

	cur, err := ReadSidecar(rw.DataDir)
	if err != nil {
		return err
	}
	if cur.State.busy() {
		return fmt.Errorf("%w: %s has an unrecovered rewrite at version %d, run Recover first", griderrs.ErrConfig, rw.DataDir, cur.Version)
	}
	oldVersion := cur.Version

	// Step 1: delete oldVersion-1's files, garbage from a prior rewrite
	// that committed oldVersion but crashed before its step 4 finished.
	// oldVersion itself is still the committed configuration and must
	// survive until step 4.
	if oldVersion > 1 {
		if err := removeVersionFiles(rw.DataDir, oldVersion-1); err != nil {
			return err
		}
	}

	pid := os.Getpid()
	if err := WriteSidecar(rw.DataDir, Sidecar{Version: oldVersion, State: StateUpdateConfigs, Pid: pid}); err != nil {
		return err
	}

	var index []GridIndexEntry
	for _, cc := range grid.Clusters() {
		index = append(index, GridIndexEntry{ClusterName: cc.ClusterName, ClusterID: cc.ClusterID, Password: cc.Password})
	}

	// Step 2: write every file for newVersion under its final name.
	// oldVersion's files are untouched, so a crash here still leaves a
	// fully valid committed configuration at oldVersion.
	if err := writeIndexFile(rw.DataDir, newVersion, index); err != nil {
		return err
	}
	for _, cc := range grid.Clusters() {
		if err := writeClusterFile(rw.DataDir, rw.Registry, cc, newVersion); err != nil {
			return err
		}
	}

	// Step 3: flip the sidecar to newVersion and verify no racing writer
	// won in between.
	if err := writeSidecarVerified(rw.DataDir, Sidecar{Version: newVersion, State: StateIdle, Pid: pid}); err != nil {
		return err
	}

	// Step 4: oldVersion is no longer referenced by the sidecar; remove
	// its files.
	if err := removeVersionFiles(rw.DataDir, oldVersion); err != nil {
		return err
	}

	log.Logger.Info().Str("data_dir", rw.DataDir).Uint64("new_version", newVersion).Msg("configfile: rewrite committed")
	return nil
}

func writeIndexFile(dataDir string, version uint64, index []GridIndexEntry) error {
	path := filepath.Join(dataDir, indexFileName(version))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", griderrs.ErrIO, err)
	}
	if err := WriteGridIndex(f, index); err != nil {
		f.Close()
		return err
	}
	return syncAndClose(f)
}

func writeClusterFile(dataDir string, reg *paramreg.Registry, cc *gridmodel.ClusterConfig, version uint64) error {
	path := filepath.Join(dataDir, clusterFileName(cc.ClusterName, version))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", griderrs.ErrIO, err)
	}
	if err := WriteClusterFile(f, reg, cc); err != nil {
		f.Close()
		return err
	}
	return syncAndClose(f)
}

func syncAndClose(f *os.File) error {
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", griderrs.ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", griderrs.ErrIO, err)
	}
	return nil
}

// removeVersionFiles deletes every file belonging to version: the
// grid index and every cluster file, whatever clusters happen to be
// named in this directory. Globbing instead of consulting a
// particular in-memory Grid means it correctly cleans up a version
// whose cluster set doesn't match the grid the caller currently holds
// (e.g. an orphaned version that added or dropped a cluster before
// the writer crashed). Missing files are not an error: a prior crash
// may have left the deletion partially done already.
func removeVersionFiles(dataDir string, version uint64) error {
	matches, err := filepath.Glob(filepath.Join(dataDir, fmt.Sprintf("*_v%d.ini", version)))
	if err != nil {
		return fmt.Errorf("%w: %v", griderrs.ErrIO, err)
	}
	for _, m := range matches {
		if err := removeIfExists(m); err != nil {
			return err
		}
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", griderrs.ErrIO, err)
	}
	return nil
}

// Recover resolves whatever a prior process left behind in DataDir.
// If the sidecar is Idle, there is nothing to do. Otherwise, if the
// recorded pid is still alive, the owning process is assumed to still
// be working and Recover leaves the directory alone. If the pid is
// dead, Recover takes ownership by rewriting the sidecar with our own
// pid, then runs the finishing step for the recorded state.
func (rw *Rewriter) Recover() error {
	s, err := ReadSidecar(rw.DataDir)
	if err != nil {
		return err
	}
	if !s.State.busy() {
		return nil
	}

	if rw.checker().Probe(s.Pid) == pcntrl.Alive {
		return fmt.Errorf("%w: %s has an in-progress rewrite owned by live pid %d", griderrs.ErrConfig, rw.DataDir, s.Pid)
	}

	log.Logger.Warn().Str("data_dir", rw.DataDir).Uint64("version", s.Version).Int("prior_pid", s.Pid).
		Msg("configfile: taking ownership of an interrupted rewrite")

	ownPid := os.Getpid()
	if err := WriteSidecar(rw.DataDir, Sidecar{Version: s.Version, State: s.State, Pid: ownPid}); err != nil {
		return err
	}

	// Finishing step: whichever Update* or Busy variant was recorded,
	// the sidecar's version still names the last value the sidecar
	// committed to (step 3 never ran, or scenario 6's crash between
	// steps 2 and 3 left it at the old version), so the fix is the
	// same regardless of which state flavor it was: discard the
	// never-promoted newVersion files and go Idle at the recorded
	// version. newVersion is simply s.Version+1, since Rewrite only
	// ever targets the next version.
	orphanVersion := s.Version + 1
	if s.Version > 0 {
		if _, _, err := loadGridAt(rw.Registry, rw.DataDir, s.Version); err != nil {
			return fmt.Errorf("%w: interrupted rewrite left version %d unparseable, cannot recover: %v", griderrs.ErrConfig, s.Version, err)
		}
	}
	if err := removeVersionFiles(rw.DataDir, orphanVersion); err != nil {
		return err
	}

	return WriteSidecar(rw.DataDir, Sidecar{Version: s.Version, State: StateIdle, Pid: ownPid})
}

func loadGridAt(reg *paramreg.Registry, dataDir string, version uint64) (*gridmodel.Grid, uint64, error) {
	f, err := os.Open(filepath.Join(dataDir, indexFileName(version)))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: interrupted rewrite at version %d left no index file to recover: %v", griderrs.ErrConfig, version, err)
	}
	entries, err := ParseGridIndex(f)
	f.Close()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: interrupted rewrite at version %d has an unparseable index file: %v", griderrs.ErrConfig, version, err)
	}

	grid := gridmodel.NewGrid()
	for _, e := range entries {
		cp := filepath.Join(dataDir, clusterFileName(e.ClusterName, version))
		cf, err := os.Open(cp)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: interrupted rewrite at version %d is missing cluster file %q: %v", griderrs.ErrConfig, version, cp, err)
		}
		cc, err := ParseClusterFile(reg, e.ClusterID, e.ClusterName, cf)
		cf.Close()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: interrupted rewrite at version %d has an unparseable cluster file %q: %v", griderrs.ErrConfig, version, cp, err)
		}
		cc.Password = e.Password
		if err := grid.AddCluster(cc); err != nil {
			return nil, 0, err
		}
	}
	return grid, version, nil
}

// LoadCommitted reads the sidecar's committed version and parses the
// full grid at that version. It is the read path's only entry point:
// callers never open config_vN.ini directly, since N must come from
// the sidecar.
func LoadCommitted(reg *paramreg.Registry, dataDir string) (*gridmodel.Grid, uint64, error) {
	s, err := ReadSidecar(dataDir)
	if err != nil {
		return nil, 0, err
	}
	if s.State.busy() {
		return nil, 0, fmt.Errorf("%w: %s has an unrecovered rewrite at version %d, run Recover first", griderrs.ErrConfig, dataDir, s.Version)
	}

	return loadGridAt(reg, dataDir, s.Version)
}
