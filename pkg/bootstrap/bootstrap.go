/*
Package bootstrap expands a declarative grid.yaml topology descriptor
into the in-memory configuration model of pkg/gridmodel, so an operator
can describe a grid once instead of hand-authoring every cluster's
.ini file and [socket] section by hand (§4.3). It has no wire-protocol
role: a caller that wants the result on disk still goes through
pkg/configfile.Rewriter, exactly as if the Grid had been built by
parsing hand-written files.

Mirrors the teacher's cmd/warren apply.go: a thin gopkg.in/yaml.v3
descriptor unmarshaled into a plain struct, then translated into the
domain model field by field.
*/
package bootstrap

import (
	"fmt"
	"io"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/iclaustron/gridctl/pkg/configfile"
	"github.com/iclaustron/gridctl/pkg/gridmodel"
	"github.com/iclaustron/gridctl/pkg/paramreg"
)

// Topology is the top-level shape of a grid.yaml file.
type Topology struct {
	Clusters []ClusterSpec `yaml:"clusters"`
}

// ClusterSpec is one cluster's declarative description.
type ClusterSpec struct {
	Name     string     `yaml:"name"`
	ID       uint32     `yaml:"id"`
	Password string     `yaml:"password,omitempty"`
	Nodes    []NodeSpec `yaml:"nodes"`
}

// NodeSpec is one node's declarative description. Type names match the
// `gridctl` CLI's node-kind vocabulary, not the .ini section names
// directly (e.g. "data-server", not "data server").
type NodeSpec struct {
	ID       uint32            `yaml:"id"`
	Type     string            `yaml:"type"`
	Hostname string            `yaml:"hostname"`
	DataPath string            `yaml:"data_path,omitempty"`
	Params   map[string]string `yaml:"params,omitempty"`
}

var nodeTypesByName = map[string]gridmodel.NodeType{
	"data-server":    gridmodel.NodeDataServer,
	"client":         gridmodel.NodeClient,
	"cluster-server": gridmodel.NodeClusterServer,
	"sql-server":     gridmodel.NodeSqlServer,
	"rep-server":     gridmodel.NodeRepServer,
	"file-server":    gridmodel.NodeFileServer,
	"restore":        gridmodel.NodeRestoreNode,
	"cluster-mgr":    gridmodel.NodeClusterMgr,
}

// Load parses a grid.yaml topology descriptor.
func Load(r io.Reader) (*Topology, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: reading topology: %w", err)
	}
	var top Topology
	if err := yaml.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("bootstrap: parsing topology: %w", err)
	}
	return &top, nil
}

// Expand builds a Grid from a parsed Topology: one ClusterConfig per
// cluster, every node placed at its node_id, the §4.2 derivation rules
// applied, and an explicit comm section synthesized for every connected
// node pair (at least one endpoint a data server; see synthesizeMesh),
// so grid.yaml spares the operator hand-authoring those [socket]
// sections. Pairs with no data-server endpoint get no section. It also
// returns the grid index entries a
// caller passes straight to configfile.WriteGridIndex or
// configfile.Rewriter.
func Expand(reg *paramreg.Registry, top *Topology) (*gridmodel.Grid, []configfile.GridIndexEntry, error) {
	grid := gridmodel.NewGrid()
	var index []configfile.GridIndexEntry

	for _, cs := range top.Clusters {
		cc, err := expandCluster(reg, cs)
		if err != nil {
			return nil, nil, err
		}
		cc.Password = cs.Password
		if err := grid.AddCluster(cc); err != nil {
			return nil, nil, err
		}
		index = append(index, configfile.GridIndexEntry{
			ClusterName: cs.Name,
			ClusterID:   cs.ID,
			Password:    cs.Password,
		})
	}
	return grid, index, nil
}

func expandCluster(reg *paramreg.Registry, cs ClusterSpec) (*gridmodel.ClusterConfig, error) {
	if len(cs.Nodes) == 0 {
		return nil, fmt.Errorf("bootstrap: cluster %q declares no nodes", cs.Name)
	}

	var maxNodeID uint32
	for _, ns := range cs.Nodes {
		if ns.ID > maxNodeID {
			maxNodeID = ns.ID
		}
	}

	cc := gridmodel.NewClusterConfig(cs.ID, cs.Name, maxNodeID)

	for _, ns := range cs.Nodes {
		t, ok := nodeTypesByName[ns.Type]
		if !ok {
			return nil, fmt.Errorf("bootstrap: cluster %s node %d: unknown node type %q", cs.Name, ns.ID, ns.Type)
		}
		nc, err := cc.NewNode(ns.ID, t)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: cluster %s: %w", cs.Name, err)
		}
		nc.Hostname = ns.Hostname
		nc.NodeDataPath = ns.DataPath

		if err := applyParams(reg, nc, ns.Params); err != nil {
			return nil, fmt.Errorf("bootstrap: cluster %s node %d: %w", cs.Name, ns.ID, err)
		}
		gridmodel.ApplyDerivationRules(reg, nc)
	}

	if err := synthesizeMesh(reg, cc); err != nil {
		return nil, fmt.Errorf("bootstrap: cluster %s: %w", cs.Name, err)
	}
	return cc, nil
}

func applyParams(reg *paramreg.Registry, nc *gridmodel.NodeConfig, params map[string]string) error {
	for name, raw := range params {
		entry, ok := reg.ByName(name)
		if !ok {
			return fmt.Errorf("unknown parameter %q", name)
		}
		v, err := parseParamValue(entry, raw)
		if err != nil {
			return fmt.Errorf("parameter %q: %w", name, err)
		}
		nc.Set(entry.ConfigID, v)
	}
	return nil
}

func parseParamValue(e *paramreg.Entry, raw string) (gridmodel.ParamValue, error) {
	if e.IsString() {
		return gridmodel.ParamValue{Str: raw}, nil
	}
	if e.IsBoolean() {
		switch raw {
		case "true":
			return gridmodel.ParamValue{Bool: true}, nil
		case "false":
			return gridmodel.ParamValue{Bool: false}, nil
		default:
			return gridmodel.ParamValue{}, fmt.Errorf("expected true/false, got %q", raw)
		}
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return gridmodel.ParamValue{}, err
	}
	if !e.InBounds(n) {
		return gridmodel.ParamValue{}, fmt.Errorf("value %d out of bounds [%d,%d]", n, e.MinValue, e.MaxValue)
	}
	return gridmodel.ParamValue{Uint: n}, nil
}

// synthesizeMesh inserts an explicit comm section for every connected
// node pair (§3: at least one endpoint a data server) that doesn't
// already have one, using the same server-endpoint rule
// pkg/gridmodel.ClusterConfig.SynthesizedComm applies at read time.
// Unlike a read-time synthesis (which is never persisted, per §4.2),
// these sections are added as explicit state so they round-trip
// through a later configfile.Rewriter.Rewrite the same as any
// hand-authored [socket] section would.
func synthesizeMesh(reg *paramreg.Registry, cc *gridmodel.ClusterConfig) error {
	portOf := func(nc *gridmodel.NodeConfig) uint16 {
		return gridmodel.PortOf(reg, nc)
	}

	nodes := cc.Nodes()
	defaults := gridmodel.DefaultCommDefaults()
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			na, nb := nodes[i], nodes[j]
			if !gridmodel.IsConnectedPair(na, nb) {
				continue
			}
			a, b := na.NodeID, nb.NodeID
			if _, exists := cc.LookupComm(a, b); exists {
				continue
			}
			section, err := cc.SynthesizedComm(a, b, defaults, portOf)
			if err != nil {
				return err
			}
			section.Synthesized = false
			if err := cc.AddComm(section); err != nil {
				return err
			}
		}
	}
	return nil
}
