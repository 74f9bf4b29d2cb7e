package pcntrl

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/iclaustron/gridctl/pkg/conn"
	"github.com/iclaustron/gridctl/pkg/griderrs"
	"github.com/iclaustron/gridctl/pkg/log"
	"github.com/iclaustron/gridctl/pkg/mgmwire"
)

// Server drives the process controller wire protocol of §4.6 and §5
// on one pkg/conn connection per client: start, stop, kill, list,
// list full, copy cluster server files, get cpu info, get memory
// info, get disk info. Every request is CR-terminated lines ending in
// an empty line, the same framing §4.4.2 uses for the management
// protocol.
type Server struct {
	Registry  *Registry
	ConfigDir func(grid, cluster string) string
}

// NewServer builds a Server backed by reg. configDir resolves a
// (grid, cluster) pair to the directory "copy cluster server files"
// writes into.
func NewServer(reg *Registry, configDir func(grid, cluster string) string) *Server {
	return &Server{Registry: reg, ConfigDir: configDir}
}

// Serve handles requests on c until the peer closes the connection or
// a protocol error occurs.
func (s *Server) Serve(c *conn.Conn) error {
	sessionID := uuid.NewString()
	slog := log.WithPeerAddr(c.RemoteAddr())
	slog.Info().Str("session_id", sessionID).Msg("pcntrl: session started")

	for {
		line, err := c.RecvWithCR()
		if err != nil {
			return err
		}
		switch line {
		case "start":
			err = s.handleStart(c)
		case "stop":
			err = s.handleStop(c, Graceful)
		case "kill":
			err = s.handleStop(c, Forceful)
		case "list":
			err = s.handleList(c, false)
		case "list full":
			err = s.handleList(c, true)
		case "copy cluster server files":
			err = s.handleFileInstall(c)
		case "get cpu info":
			err = s.handleGetCPUInfo(c)
		case "get memory info":
			err = s.handleGetMemoryInfo(c)
		case "get disk info":
			err = s.handleGetDiskInfo(c)
		default:
			err = fmt.Errorf("%w: unexpected command %q", griderrs.ErrProtocol, line)
		}
		if err != nil {
			return err
		}
	}
}

func readProcessKey(c *conn.Conn) (ProcessKey, error) {
	var key ProcessKey
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

func writeProcessKey(c *conn.Conn, key ProcessKey) error {
	if err := c.SendWithCR(fmt.Sprintf("grid: %s", key.Grid)); err != nil {
		return err
	}
	if err := c.SendWithCR(fmt.Sprintf("cluster: %s", key.Cluster)); err != nil {
		return err
	}
	return c.SendWithCR(fmt.Sprintf("node_id: %d", key.NodeID))
}

func (s *Server) handleStart(c *conn.Conn) error {
	var req StartRequest
	key, err := readProcessKey(c)
	if err != nil {
		return err
	}
	req.Key = key

	if req.Program, err = c.RecvLineStartingWithString("program"); err != nil {
		return err
	}
	version, err := c.RecvLineStartingWithDecimal("version")
	if err != nil {
		return err
	}
	req.Version = uint32(version)
	autorestart, err := c.RecvLineStartingWithDecimal("autorestart")
	if err != nil {
		return err
	}
	req.AutoRestart = autorestart != 0
	if req.BinDir, err = c.RecvLineStartingWithString("bin_dir"); err != nil {
		return err
	}

	for {
		p, ok, perr := c.RecvOptionalLineStartingWithString("param")
		if perr != nil {
			return perr
		}
		if !ok {
			break
		}
		req.Params = append(req.Params, p)
	}
	if err := c.RecvLineEqual(""); err != nil {
		return err
	}

	startErr := s.Registry.Start(req)
	return replyResult(c, "start reply", startErr)
}

func (s *Server) handleStop(c *conn.Conn, mode StopMode) error {
	key, err := readProcessKey(c)
	if err != nil {
		return err
	}
	if err := c.RecvLineEqual(""); err != nil {
		return err
	}
	label := "stop reply"
	if mode == Forceful {
		label = "kill reply"
	}
	return replyResult(c, label, s.Registry.Stop(key, mode))
}

func replyResult(c *conn.Conn, label string, err error) error {
	if sendErr := c.SendWithCR(label); sendErr != nil {
		return sendErr
	}
	if err != nil {
		if sendErr := c.SendWithCR(fmt.Sprintf("result: Error (%s)", err.Error())); sendErr != nil {
			return sendErr
		}
	} else {
		if sendErr := c.SendWithCR("result: Ok"); sendErr != nil {
			return sendErr
		}
	}
	return c.SendEmptyLine()
}

func (s *Server) handleList(c *conn.Conn, full bool) error {
	var partial ProcessKey
	grid, ok, err := c.RecvOptionalLineStartingWithString("grid")
	if err != nil {
		return err
	}
	if ok {
		partial.Grid = grid
		cluster, ok, err := c.RecvOptionalLineStartingWithString("cluster")
		if err != nil {
			return err
		}
		if ok {
			partial.Cluster = cluster
			nodeID, ok, err := c.RecvOptionalLineStartingWithDecimal("node_id")
			if err != nil {
				return err
			}
			if ok {
				partial.NodeID = uint32(nodeID)
			}
		}
	}
	if err := c.RecvLineEqual(""); err != nil {
		return err
	}

	entries := s.Registry.List(partial)
	for _, e := range entries {
		if err := c.SendWithCR("list entry"); err != nil {
			return err
		}
		if err := writeProcessKey(c, e.Key); err != nil {
			return err
		}
		if err := c.SendWithCR(fmt.Sprintf("pid: %d", e.Pid)); err != nil {
			return err
		}
		if err := c.SendWithCR(fmt.Sprintf("start_id: %d", e.StartID)); err != nil {
			return err
		}
		if full {
			if err := c.SendWithCR(fmt.Sprintf("program: %s", e.Program)); err != nil {
				return err
			}
			if err := c.SendWithCR(fmt.Sprintf("version: %d", e.Version)); err != nil {
				return err
			}
			autorestart := 0
			if e.AutoRestart {
				autorestart = 1
			}
			if err := c.SendWithCR(fmt.Sprintf("autorestart: %d", autorestart)); err != nil {
				return err
			}
		}
		if err := c.SendEmptyLine(); err != nil {
			return err
		}

		reply, err := c.RecvWithCR()
		if err != nil {
			return err
		}
		if err := c.RecvLineEqual(""); err != nil {
			return err
		}
		if reply == "list stop" {
			return nil
		}
		if reply != "list next" {
			return fmt.Errorf("%w: expected %q or %q, got %q", griderrs.ErrProtocol, "list next", "list stop", reply)
		}
	}

	if err := c.SendWithCR("list stop"); err != nil {
		return err
	}
	return c.SendEmptyLine()
}

func (s *Server) handleFileInstall(c *conn.Conn) error {
	grid, err := c.RecvLineStartingWithString("grid")
	if err != nil {
		return err
	}
	cluster, err := c.RecvLineStartingWithString("cluster")
	if err != nil {
		return err
	}
	if err := c.RecvLineEqual(""); err != nil {
		return err
	}

	dir := s.ConfigDir(grid, cluster)
	var files []NamedFile
	for {
		name, ok, nerr := c.RecvOptionalLineStartingWithString("file")
		if nerr != nil {
			return nerr
		}
		if !ok {
			break
		}
		length, lerr := c.RecvLineStartingWithDecimal("length")
		if lerr != nil {
			return lerr
		}
		if err := c.RecvLineEqual(""); err != nil {
			return err
		}
		var bodyLines []string
		for {
			bl, berr := c.RecvWithCR()
			if berr != nil {
				return berr
			}
			if bl == "" {
				break
			}
			bodyLines = append(bodyLines, bl)
		}
		content, derr := mgmwire.DecodeBase64Lines(strings.Join(bodyLines, "\n"))
		if derr != nil {
			return derr
		}
		if uint64(len(content)) != length {
			return fmt.Errorf("%w: file %s: length %d does not match decoded size %d", griderrs.ErrProtocol, name, length, len(content))
		}
		files = append(files, NamedFile{Name: name, Content: content})

		if err := c.SendWithCR("ok"); err != nil {
			return err
		}
		if err := c.SendEmptyLine(); err != nil {
			return err
		}
	}
	if err := c.RecvLineEqual(""); err != nil {
		return err
	}

	if err := InstallFiles(dir, files); err != nil {
		return replyResult(c, "copy cluster server files reply", err)
	}
	return replyResult(c, "copy cluster server files reply", nil)
}

func (s *Server) handleGetCPUInfo(c *conn.Conn) error {
	if err := c.RecvLineEqual(""); err != nil {
		return err
	}
	info, details := GetCPUInfo()
	if err := c.SendWithCR("get cpu info reply"); err != nil {
		return err
	}
	if err := c.SendWithCR(fmt.Sprintf("num_cpus: %d", info.NumCPUs)); err != nil {
		return err
	}
	if err := c.SendWithCR(fmt.Sprintf("num_numa_nodes: %d", info.NumNUMANodes)); err != nil {
		return err
	}
	if err := c.SendWithCR(fmt.Sprintf("cpus_per_core: %d", info.CPUsPerCore)); err != nil {
		return err
	}
	for _, d := range details {
		if err := c.SendWithCR(fmt.Sprintf("cpu: %d %d %d", d.CPUID, d.NUMANodeID, d.CoreID)); err != nil {
			return err
		}
	}
	return c.SendEmptyLine()
}

func (s *Server) handleGetMemoryInfo(c *conn.Conn) error {
	if err := c.RecvLineEqual(""); err != nil {
		return err
	}
	info, err := GetMemoryInfo()
	if err != nil {
		if err := c.SendWithCR("get memory info reply"); err != nil {
			return err
		}
		if err := c.SendWithCR(fmt.Sprintf("result: Error (%s)", err.Error())); err != nil {
			return err
		}
		return c.SendEmptyLine()
	}

	if err := c.SendWithCR("get memory info reply"); err != nil {
		return err
	}
	if err := c.SendWithCR("result: Ok"); err != nil {
		return err
	}
	if err := c.SendWithCR(fmt.Sprintf("total_mib: %d", info.TotalMiB)); err != nil {
		return err
	}
	for i, mib := range info.PerNUMAMiB {
		if err := c.SendWithCR(fmt.Sprintf("numa: %d %d", i, mib)); err != nil {
			return err
		}
	}
	return c.SendEmptyLine()
}

func (s *Server) handleGetDiskInfo(c *conn.Conn) error {
	dir, err := c.RecvLineStartingWithString("directory")
	if err != nil {
		return err
	}
	if err := c.RecvLineEqual(""); err != nil {
		return err
	}

	if err := c.SendWithCR("get disk info reply"); err != nil {
		return err
	}
	free, ok := DiskFreeBytes(dir)
	if !ok {
		if err := c.SendWithCR("no info"); err != nil {
			return err
		}
		return c.SendEmptyLine()
	}
	if err := c.SendWithCR(fmt.Sprintf("free_bytes: %d", free)); err != nil {
		return err
	}
	return c.SendEmptyLine()
}
