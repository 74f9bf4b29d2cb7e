/*
Package gridmodel is the in-memory configuration model (component C):
a grid of clusters, each holding a sparse node-id -> node-config map
and a hash-indexed set of communication sections, plus the derivation
rules of §4.2.

Per the Design Notes in spec.md §9, node sections are modeled as a
discriminated union (NodeType) sharing a Common record, not per-type
structs with parallel ABI offsets; arena pointers keyed by hashtable
become a node_id-indexed slice plus a per-NodeType count map, and
node-pair links are keyed by a comparable struct
rather than a raw pointer.
*/
package gridmodel

import (
	"fmt"

	"github.com/iclaustron/gridctl/pkg/paramreg"
)

// NodeType is the kind of a grid node. It is a subset of
// paramreg.SectionType: every value here has a one-to-one SectionType
// counterpart, but Comm and System are not node kinds.
type NodeType int

const (
	NodeDataServer NodeType = iota
	NodeClient
	NodeClusterServer
	NodeSqlServer
	NodeRepServer
	NodeFileServer
	NodeRestoreNode
	NodeClusterMgr
)

// SectionType returns the paramreg.SectionType this node kind is
// registered under.
func (t NodeType) SectionType() paramreg.SectionType {
	return paramreg.SectionType(t)
}

func (t NodeType) String() string {
	switch t {
	case NodeDataServer:
		return "data server"
	case NodeClient:
		return "client"
	case NodeClusterServer:
		return "cluster server"
	case NodeSqlServer:
		return "sql server"
	case NodeRepServer:
		return "replication server"
	case NodeFileServer:
		return "file server"
	case NodeRestoreNode:
		return "restore"
	case NodeClusterMgr:
		return "cluster manager"
	default:
		return "unknown"
	}
}

// ParamValue holds one parameter's value in whichever representation
// its paramreg.DataType calls for; at most one field is meaningful,
// selected by the owning paramreg.Entry.DataType.
type ParamValue struct {
	Uint   uint64
	Str    string
	IsBool bool
	Bool   bool
}

// NodeConfig is one node section: the mandatory Common fields plus a
// config_id-keyed map of every other parameter the registry says
// belongs to this node's section type.
type NodeConfig struct {
	NodeID       uint32
	Type         NodeType
	Hostname     string
	NodeDataPath string
	MandatoryBits uint64

	Params map[uint16]ParamValue
}

func newNodeConfig(nodeID uint32, t NodeType) *NodeConfig {
	return &NodeConfig{NodeID: nodeID, Type: t, Params: make(map[uint16]ParamValue)}
}

// Get returns a raw parameter value by config_id.
func (n *NodeConfig) Get(configID uint16) (ParamValue, bool) {
	v, ok := n.Params[configID]
	return v, ok
}

func (n *NodeConfig) Set(configID uint16, v ParamValue) {
	n.Params[configID] = v
}

// GetString is a convenience accessor for string-valued parameters
// such as the derived filesystem_path / data_server_checkpoint_path.
func (n *NodeConfig) GetString(configID uint16) (string, bool) {
	v, ok := n.Params[configID]
	if !ok {
		return "", false
	}
	return v.Str, true
}

// commKey is the unordered-pair key for the comm-section hash index.
type commKey struct {
	lo, hi uint32
}

func makeCommKey(a, b uint32) commKey {
	if a < b {
		return commKey{a, b}
	}
	return commKey{b, a}
}

// CommSection is a Communication (Socket) Link per §3.
type CommSection struct {
	FirstNodeID, SecondNodeID uint32
	ServerNodeID              uint32
	ServerPort                uint16
	ClientPort                *uint16
	FirstHostname             string
	SecondHostname            string
	SendBufferSize            uint32
	ReceiveBufferSize         uint32
	UseMessageID              bool
	UseChecksum               bool
	MaxWaitInNanos            uint64
	BindAddress               string

	// Synthesized is true when this section was never explicit in the
	// loaded configuration and was derived at serialization time.
	Synthesized bool
}

func (c *CommSection) key() commKey { return makeCommKey(c.FirstNodeID, c.SecondNodeID) }

// ClusterConfig is one cluster per §3.
type ClusterConfig struct {
	ClusterID   uint32
	ClusterName string
	Password    string
	MyNodeID    uint32
	MaxNodeID   uint32

	nodes []*NodeConfig // sparse, index 0 unused, 1..MaxNodeID populated
	comms []*CommSection
	commIdx map[commKey]*CommSection

	nodeCounts map[NodeType]int
}

// NewClusterConfig allocates a cluster sized for maxNodeID nodes. Per
// §4.2's two-pass build, callers first count nodes (to learn
// maxNodeID) then call NewClusterConfig once before filling it.
func NewClusterConfig(clusterID uint32, name string, maxNodeID uint32) *ClusterConfig {
	return &ClusterConfig{
		ClusterID:   clusterID,
		ClusterName: name,
		MaxNodeID:   maxNodeID,
		nodes:       make([]*NodeConfig, maxNodeID+1),
		commIdx:     make(map[commKey]*CommSection),
		nodeCounts:  make(map[NodeType]int),
	}
}

// AddNode places a node config at its node_id slot. Returns an error
// if the slot is already occupied (duplicate node_id in a file, or a
// caller bug in the binary decoder).
func (c *ClusterConfig) AddNode(nc *NodeConfig) error {
	if nc.NodeID == 0 || nc.NodeID > c.MaxNodeID {
		return fmt.Errorf("gridmodel: node_id %d out of range [1,%d]", nc.NodeID, c.MaxNodeID)
	}
	if c.nodes[nc.NodeID] != nil {
		return fmt.Errorf("gridmodel: duplicate node_id %d", nc.NodeID)
	}
	c.nodes[nc.NodeID] = nc
	c.nodeCounts[nc.Type]++
	return nil
}

// NewNode is a convenience that constructs and adds a node in one call.
func (c *ClusterConfig) NewNode(nodeID uint32, t NodeType) (*NodeConfig, error) {
	nc := newNodeConfig(nodeID, t)
	if err := c.AddNode(nc); err != nil {
		return nil, err
	}
	return nc, nil
}

// Node returns the node at id, or nil if the slot is empty.
func (c *ClusterConfig) Node(id uint32) *NodeConfig {
	if id == 0 || id > c.MaxNodeID {
		return nil
	}
	return c.nodes[id]
}

// Nodes returns every populated node in node_id order.
func (c *ClusterConfig) Nodes() []*NodeConfig {
	out := make([]*NodeConfig, 0, len(c.nodes))
	for _, n := range c.nodes {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

// NumNodes returns the count of populated node slots.
func (c *ClusterConfig) NumNodes() int {
	n := 0
	for _, s := range c.nodes {
		if s != nil {
			n++
		}
	}
	return n
}

// NodeCount returns how many nodes of type t are populated.
func (c *ClusterConfig) NodeCount(t NodeType) int { return c.nodeCounts[t] }

// AddComm inserts an explicit comm section into the ordered list and
// the unordered-pair hash index. Default comm sections are never
// inserted here; synthesis happens lazily via SynthesizedComm.
func (c *ClusterConfig) AddComm(cs *CommSection) error {
	k := cs.key()
	if _, exists := c.commIdx[k]; exists {
		return fmt.Errorf("gridmodel: duplicate comm section for (%d,%d)", cs.FirstNodeID, cs.SecondNodeID)
	}
	c.comms = append(c.comms, cs)
	c.commIdx[k] = cs
	return nil
}

// Comms returns every explicit comm section in insertion order.
func (c *ClusterConfig) Comms() []*CommSection { return c.comms }

// NumComms returns the count of explicit comm sections.
func (c *ClusterConfig) NumComms() int { return len(c.comms) }

// LookupComm returns the explicit comm section linking a and b,
// regardless of argument order, per the invariant lookup(a,b) ==
// lookup(b,a).
func (c *ClusterConfig) LookupComm(a, b uint32) (*CommSection, bool) {
	cs, ok := c.commIdx[makeCommKey(a, b)]
	return cs, ok
}

// CommDefaults holds the baseline buffer sizes etc. used when
// synthesizing a comm section for a connected pair that has no
// explicit section. DefaultCommDefaults returns the built-in values;
// callers pass the values they want to SynthesizedComm.
type CommDefaults struct {
	SendBufferSize    uint32
	ReceiveBufferSize uint32
	UseMessageID      bool
	UseChecksum       bool
	MaxWaitInNanos    uint64
}

func DefaultCommDefaults() CommDefaults {
	return CommDefaults{
		SendBufferSize:    2097152,
		ReceiveBufferSize: 2097152,
		UseChecksum:       true,
		MaxWaitInNanos:    250000,
	}
}

// SynthesizedComm builds (without inserting) the comm section that
// would be used for (a,b) if no explicit section exists, per §4.2's
// derivation rule: the server endpoint is the data-server side when
// exactly one endpoint is a data server, otherwise the numerically
// lower node id; port_number is borrowed from that endpoint, and each
// side's hostname comes from its own node.
func (c *ClusterConfig) SynthesizedComm(a, b uint32, defaults CommDefaults, portOf func(*NodeConfig) uint16) (*CommSection, error) {
	na, nb := c.Node(a), c.Node(b)
	if na == nil || nb == nil {
		return nil, fmt.Errorf("gridmodel: cannot synthesize comm for unknown node pair (%d,%d)", a, b)
	}

	aIsData := na.Type == NodeDataServer
	bIsData := nb.Type == NodeDataServer

	var server *NodeConfig
	switch {
	case aIsData && !bIsData:
		server = na
	case bIsData && !aIsData:
		server = nb
	case na.NodeID < nb.NodeID:
		server = na
	default:
		server = nb
	}

	return &CommSection{
		FirstNodeID:       a,
		SecondNodeID:      b,
		ServerNodeID:      server.NodeID,
		ServerPort:        portOf(server),
		FirstHostname:     na.Hostname,
		SecondHostname:    nb.Hostname,
		SendBufferSize:    defaults.SendBufferSize,
		ReceiveBufferSize: defaults.ReceiveBufferSize,
		UseMessageID:      defaults.UseMessageID,
		UseChecksum:       defaults.UseChecksum,
		MaxWaitInNanos:    defaults.MaxWaitInNanos,
		Synthesized:       true,
	}, nil
}

// IsConnectedPair reports whether two nodes have an implicit link per
// §3: "each data server to every other node, plus data-to-data" — a
// pair has a transporter iff at least one endpoint is a data server.
// A client-to-cluster-server pair, for instance, has no link and is
// never synthesized.
func IsConnectedPair(a, b *NodeConfig) bool {
	return a.Type == NodeDataServer || b.Type == NodeDataServer
}

// defaultPortForType gives a node type the port_number a synthesized
// comm section advertises when the endpoint's own port_number
// parameter is unset, following NDB's convention of one well-known
// management port and a block of data-node ports.
var defaultPortForType = map[NodeType]uint16{
	NodeClusterServer: 1186,
	NodeDataServer:    2202,
}

// PortOf resolves the port_number a node advertises in a synthesized
// comm section: the node's own port_number parameter if set, else a
// default keyed by node type.
func PortOf(reg *paramreg.Registry, nc *NodeConfig) uint16 {
	if e, ok := reg.ByName("port_number"); ok {
		if v, ok := nc.Get(e.ConfigID); ok {
			return uint16(v.Uint)
		}
	}
	return defaultPortForType[nc.Type]
}

// EffectiveComms returns every comm section that exists for c once
// synthesis is accounted for: its explicit sections, in stored order,
// followed by a synthesized section (§3/§4.2) for every connected pair
// that has none, in node-pair iteration order. Callers that serialize
// a cluster config (mgmwire.Encode) use this instead of Comms so a
// hand-parsed file's implicit links are never under-emitted.
func (c *ClusterConfig) EffectiveComms(defaults CommDefaults, portOf func(*NodeConfig) uint16) ([]*CommSection, error) {
	out := append([]*CommSection(nil), c.comms...)
	nodes := c.Nodes()
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			a, b := nodes[i], nodes[j]
			if !IsConnectedPair(a, b) {
				continue
			}
			if _, ok := c.LookupComm(a.NodeID, b.NodeID); ok {
				continue
			}
			cs, err := c.SynthesizedComm(a.NodeID, b.NodeID, defaults, portOf)
			if err != nil {
				return nil, err
			}
			out = append(out, cs)
		}
	}
	return out, nil
}

// ApplyDerivationRules fills the derived defaults of §4.2:
// filesystem_path defaults to node_data_path on data servers, and
// data_server_checkpoint_path defaults to filesystem_path, when unset.
func ApplyDerivationRules(reg *paramreg.Registry, nc *NodeConfig) {
	if nc.Type != NodeDataServer {
		return
	}
	fsPathID, ok := reg.ByName("filesystem_path")
	if !ok {
		return
	}
	if _, set := nc.GetString(fsPathID.ConfigID); !set {
		nc.Set(fsPathID.ConfigID, ParamValue{Str: nc.NodeDataPath})
	}
	fsPath, _ := nc.GetString(fsPathID.ConfigID)

	ckptID, ok := reg.ByName("data_server_checkpoint_path")
	if !ok {
		return
	}
	if _, set := nc.GetString(ckptID.ConfigID); !set {
		nc.Set(ckptID.ConfigID, ParamValue{Str: fsPath})
	}
}

// Grid is a collection of clusters administered as one.
type Grid struct {
	clusters     map[string]*ClusterConfig
	clusterOrder []string
}

func NewGrid() *Grid {
	return &Grid{clusters: make(map[string]*ClusterConfig)}
}

// AddCluster registers a cluster by name; returns an error if the name
// is already taken.
func (g *Grid) AddCluster(cc *ClusterConfig) error {
	if _, exists := g.clusters[cc.ClusterName]; exists {
		return fmt.Errorf("gridmodel: duplicate cluster name %q", cc.ClusterName)
	}
	g.clusters[cc.ClusterName] = cc
	g.clusterOrder = append(g.clusterOrder, cc.ClusterName)
	return nil
}

func (g *Grid) Cluster(name string) (*ClusterConfig, bool) {
	cc, ok := g.clusters[name]
	return cc, ok
}

// Clusters returns every cluster in registration order.
func (g *Grid) Clusters() []*ClusterConfig {
	out := make([]*ClusterConfig, 0, len(g.clusterOrder))
	for _, name := range g.clusterOrder {
		out = append(out, g.clusters[name])
	}
	return out
}
