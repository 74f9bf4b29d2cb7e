/*
Package pcntrlclient is the client side of the process controller wire
protocol (component H, spec.md §4.6, §5): start/stop/kill/list, the
file-install sub-protocol, and the host inventory queries, mirroring
exactly what pkg/pcntrl.Server expects on the other end of the
connection.
*/
package pcntrlclient

import (
	"fmt"

	"github.com/iclaustron/gridctl/pkg/conn"
	"github.com/iclaustron/gridctl/pkg/griderrs"
	"github.com/iclaustron/gridctl/pkg/mgmwire"
	"github.com/iclaustron/gridctl/pkg/pcntrl"
)

// splitTrimmedLines splits s on "\n" without producing a trailing
// empty element when s itself ends with "\n" (mgmwire.EncodeBase64Lines
// always does); a bare strings.Split would hand that element to
// SendWithCR and be mistaken for the body terminator.
func splitTrimmedLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// StartParams is everything the client sends in a start request.
type StartParams struct {
	Key         pcntrl.ProcessKey
	Program     string
	Version     uint32
	AutoRestart bool
	BinDir      string
	Params      []string
}

func sendProcessKey(c *conn.Conn, key pcntrl.ProcessKey) error {
	if err := c.SendWithCR(fmt.Sprintf("grid: %s", key.Grid)); err != nil {
		return err
	}
	if err := c.SendWithCR(fmt.Sprintf("cluster: %s", key.Cluster)); err != nil {
		return err
	}
	return c.SendWithCR(fmt.Sprintf("node_id: %d", key.NodeID))
}

func recvResult(c *conn.Conn, wantLabel string) error {
	if err := c.RecvLineEqual(wantLabel); err != nil {
		return err
	}
	result, err := c.RecvLineStartingWithString("result")
	if err != nil {
		return err
	}
	if err := c.RecvLineEqual(""); err != nil {
		return err
	}
	if result != "Ok" {
		return fmt.Errorf("%w: %s", griderrs.ErrPeerDeclined, result)
	}
	return nil
}

// Start runs the start request of §4.6.1.
func Start(c *conn.Conn, p StartParams) error {
	if err := c.SendWithCR("start"); err != nil {
		return err
	}
	if err := sendProcessKey(c, p.Key); err != nil {
		return err
	}
	if err := c.SendWithCR(fmt.Sprintf("program: %s", p.Program)); err != nil {
		return err
	}
	if err := c.SendWithCR(fmt.Sprintf("version: %d", p.Version)); err != nil {
		return err
	}
	autorestart := 0
	if p.AutoRestart {
		autorestart = 1
	}
	if err := c.SendWithCR(fmt.Sprintf("autorestart: %d", autorestart)); err != nil {
		return err
	}
	if err := c.SendWithCR(fmt.Sprintf("bin_dir: %s", p.BinDir)); err != nil {
		return err
	}
	for _, param := range p.Params {
		if err := c.SendWithCR(fmt.Sprintf("param: %s", param)); err != nil {
			return err
		}
	}
	if err := c.SendEmptyLine(); err != nil {
		return err
	}
	return recvResult(c, "start reply")
}

// Stop runs the graceful stop request of §4.6.2.
func Stop(c *conn.Conn, key pcntrl.ProcessKey) error {
	if err := c.SendWithCR("stop"); err != nil {
		return err
	}
	if err := sendProcessKey(c, key); err != nil {
		return err
	}
	if err := c.SendEmptyLine(); err != nil {
		return err
	}
	return recvResult(c, "stop reply")
}

// Kill runs the forceful kill request of §4.6.2.
func Kill(c *conn.Conn, key pcntrl.ProcessKey) error {
	if err := c.SendWithCR("kill"); err != nil {
		return err
	}
	if err := sendProcessKey(c, key); err != nil {
		return err
	}
	if err := c.SendEmptyLine(); err != nil {
		return err
	}
	return recvResult(c, "kill reply")
}

// Entry is one process reported by List.
type Entry struct {
	Key         pcntrl.ProcessKey
	Pid         int
	StartID     uint64
	Program     string
	Version     uint32
	AutoRestart bool
}

// List runs the list (or "list full" when full is set) request of
// §4.6.3, replying "list next" after every entry so the server sends
// its whole snapshot.
func List(c *conn.Conn, partial pcntrl.ProcessKey, full bool) ([]Entry, error) {
	cmd := "list"
	if full {
		cmd = "list full"
	}
	if err := c.SendWithCR(cmd); err != nil {
		return nil, err
	}
	if partial.Grid != "" {
		if err := c.SendWithCR(fmt.Sprintf("grid: %s", partial.Grid)); err != nil {
			return nil, err
		}
		if partial.Cluster != "" {
			if err := c.SendWithCR(fmt.Sprintf("cluster: %s", partial.Cluster)); err != nil {
				return nil, err
			}
			if partial.NodeID != 0 {
				if err := c.SendWithCR(fmt.Sprintf("node_id: %d", partial.NodeID)); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := c.SendEmptyLine(); err != nil {
		return nil, err
	}

	var out []Entry
	for {
		line, err := c.RecvWithCR()
		if err != nil {
			return nil, err
		}
		if line == "list stop" {
			return out, c.RecvLineEqual("")
		}
		if line != "list entry" {
			return nil, fmt.Errorf("%w: expected %q or %q, got %q", griderrs.ErrProtocol, "list entry", "list stop", line)
		}

		var e Entry
		if e.Key, err = readListedKey(c); err != nil {
			return nil, err
		}
		pid, err := c.RecvLineStartingWithDecimal("pid")
		if err != nil {
			return nil, err
		}
		e.Pid = int(pid)
		startID, err := c.RecvLineStartingWithDecimal("start_id")
		if err != nil {
			return nil, err
		}
		e.StartID = startID

		if full {
			if e.Program, err = c.RecvLineStartingWithString("program"); err != nil {
				return nil, err
			}
			version, err := c.RecvLineStartingWithDecimal("version")
			if err != nil {
				return nil, err
			}
			e.Version = uint32(version)
			autorestart, err := c.RecvLineStartingWithDecimal("autorestart")
			if err != nil {
				return nil, err
			}
			e.AutoRestart = autorestart != 0
		}
		if err := c.RecvLineEqual(""); err != nil {
			return nil, err
		}
		out = append(out, e)

		if err := c.SendWithCR("list next"); err != nil {
			return nil, err
		}
		if err := c.SendEmptyLine(); err != nil {
			return nil, err
		}
	}
}

func readListedKey(c *conn.Conn) (pcntrl.ProcessKey, error) {
	var key pcntrl.ProcessKey
	var err error
	if key.Grid, err = c.RecvLineStartingWithString("grid"); err != nil {
		return key, err
	}
	if key.Cluster, err = c.RecvLineStartingWithString("cluster"); err != nil {
		return key, err
	}
	nodeID, err := c.RecvLineStartingWithDecimal("node_id")
	if err != nil {
		return key, err
	}
	key.NodeID = uint32(nodeID)
	return key, nil
}

// InstallFiles runs the file-install sub-protocol of §4.6.4.
func InstallFiles(c *conn.Conn, grid, cluster string, files []pcntrl.NamedFile) error {
	if err := c.SendWithCR("copy cluster server files"); err != nil {
		return err
	}
	if err := c.SendWithCR(fmt.Sprintf("grid: %s", grid)); err != nil {
		return err
	}
	if err := c.SendWithCR(fmt.Sprintf("cluster: %s", cluster)); err != nil {
		return err
	}
	if err := c.SendEmptyLine(); err != nil {
		return err
	}

	for _, f := range files {
		if err := c.SendWithCR(fmt.Sprintf("file: %s", f.Name)); err != nil {
			return err
		}
		if err := c.SendWithCR(fmt.Sprintf("length: %d", len(f.Content))); err != nil {
			return err
		}
		if err := c.SendEmptyLine(); err != nil {
			return err
		}
		for _, bline := range splitTrimmedLines(mgmwire.EncodeBase64Lines(f.Content)) {
			if err := c.SendWithCR(bline); err != nil {
				return err
			}
		}
		if err := c.SendEmptyLine(); err != nil {
			return err
		}
		if err := c.RecvLineEqual("ok"); err != nil {
			return err
		}
		if err := c.RecvLineEqual(""); err != nil {
			return err
		}
	}
	if err := c.SendEmptyLine(); err != nil {
		return err
	}
	return recvResult(c, "copy cluster server files reply")
}

// CPUInfo is the client-side view of a "get cpu info" reply.
type CPUInfo struct {
	NumCPUs      int
	NumNUMANodes int
	CPUsPerCore  int
	CPUs         []pcntrl.CPUDetail
}

// GetCPUInfo runs "get cpu info" (§4.6.5).
func GetCPUInfo(c *conn.Conn) (CPUInfo, error) {
	if err := c.SendWithCR("get cpu info"); err != nil {
		return CPUInfo{}, err
	}
	if err := c.SendEmptyLine(); err != nil {
		return CPUInfo{}, err
	}
	if err := c.RecvLineEqual("get cpu info reply"); err != nil {
		return CPUInfo{}, err
	}

	var info CPUInfo
	n, err := c.RecvLineStartingWithDecimal("num_cpus")
	if err != nil {
		return CPUInfo{}, err
	}
	info.NumCPUs = int(n)
	numa, err := c.RecvLineStartingWithDecimal("num_numa_nodes")
	if err != nil {
		return CPUInfo{}, err
	}
	info.NumNUMANodes = int(numa)
	perCore, err := c.RecvLineStartingWithDecimal("cpus_per_core")
	if err != nil {
		return CPUInfo{}, err
	}
	info.CPUsPerCore = int(perCore)

	for {
		line, ok, lerr := c.RecvOptionalLineStartingWithString("cpu")
		if lerr != nil {
			return CPUInfo{}, lerr
		}
		if !ok {
			break
		}
		var d pcntrl.CPUDetail
		if _, err := fmt.Sscanf(line, "%d %d %d", &d.CPUID, &d.NUMANodeID, &d.CoreID); err != nil {
			return CPUInfo{}, fmt.Errorf("%w: malformed cpu line %q", griderrs.ErrProtocol, line)
		}
		info.CPUs = append(info.CPUs, d)
	}
	return info, c.RecvLineEqual("")
}

// MemoryInfo is the client-side view of a "get memory info" reply.
type MemoryInfo struct {
	TotalMiB   uint64
	PerNUMAMiB []uint64
}

// GetMemoryInfo runs "get memory info" (§4.6.5).
func GetMemoryInfo(c *conn.Conn) (MemoryInfo, error) {
	if err := c.SendWithCR("get memory info"); err != nil {
		return MemoryInfo{}, err
	}
	if err := c.SendEmptyLine(); err != nil {
		return MemoryInfo{}, err
	}
	if err := c.RecvLineEqual("get memory info reply"); err != nil {
		return MemoryInfo{}, err
	}
	result, err := c.RecvLineStartingWithString("result")
	if err != nil {
		return MemoryInfo{}, err
	}
	if result != "Ok" {
		_ = c.RecvLineEqual("")
		return MemoryInfo{}, fmt.Errorf("%w: get memory info: %s", griderrs.ErrPeerDeclined, result)
	}

	var info MemoryInfo
	total, err := c.RecvLineStartingWithDecimal("total_mib")
	if err != nil {
		return MemoryInfo{}, err
	}
	info.TotalMiB = total

	for {
		line, ok, lerr := c.RecvOptionalLineStartingWithString("numa")
		if lerr != nil {
			return MemoryInfo{}, lerr
		}
		if !ok {
			break
		}
		var idx int
		var mib uint64
		if _, err := fmt.Sscanf(line, "%d %d", &idx, &mib); err != nil {
			return MemoryInfo{}, fmt.Errorf("%w: malformed numa line %q", griderrs.ErrProtocol, line)
		}
		info.PerNUMAMiB = append(info.PerNUMAMiB, mib)
	}
	return info, c.RecvLineEqual("")
}

// GetDiskInfo runs "get disk info" (§4.6.5). ok is false when the
// server reported "no info", which never distinguishes a missing
// directory from any other probing failure.
func GetDiskInfo(c *conn.Conn, directory string) (freeBytes uint64, ok bool, err error) {
	if err := c.SendWithCR("get disk info"); err != nil {
		return 0, false, err
	}
	if err := c.SendWithCR(fmt.Sprintf("directory: %s", directory)); err != nil {
		return 0, false, err
	}
	if err := c.SendEmptyLine(); err != nil {
		return 0, false, err
	}
	if err := c.RecvLineEqual("get disk info reply"); err != nil {
		return 0, false, err
	}

	free, hasFree, err := c.RecvOptionalLineStartingWithDecimal("free_bytes")
	if err != nil {
		return 0, false, err
	}
	if !hasFree {
		if err := c.RecvLineEqual("no info"); err != nil {
			return 0, false, err
		}
		return 0, false, c.RecvLineEqual("")
	}
	return free, true, c.RecvLineEqual("")
}
