package gridha

import (
	"io"

	"github.com/hashicorp/raft"
)

// leaderFSM is the raft FSM behind an Election. Unlike the teacher's
// WarrenFSM, which replicates cluster object state through the raft
// log, gridha replicates nothing: the grid's authoritative state is
// the config.ini tree under pkg/configfile, and §4.3's atomic rewrite
// protocol already owns that file. All raft needs to decide here is
// which cluster server gets to run it, so Apply/Snapshot/Restore are
// no-ops and exist only to satisfy raft.FSM.
type leaderFSM struct{}

func (f *leaderFSM) Apply(*raft.Log) interface{} {
	return nil
}

func (f *leaderFSM) Snapshot() (raft.FSMSnapshot, error) {
	return emptySnapshot{}, nil
}

func (f *leaderFSM) Restore(rc io.ReadCloser) error {
	return rc.Close()
}

type emptySnapshot struct{}

func (emptySnapshot) Persist(sink raft.SnapshotSink) error {
	return sink.Close()
}

func (emptySnapshot) Release() {}
