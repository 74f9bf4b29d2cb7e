/*
Package configfile is the configuration file loader/writer (component
D): the section/key/value text format of §4.3 with "[type default]"
inheritance, and the atomic multi-file write protocol plus the
config.version sidecar (in rewrite.go).

The text format is line-oriented: "[section]" headers, "key: value"
pairs, "#" comments. A "default" section (e.g. "[data server
default]") sets the baseline for subsequent non-default sections of
the same type in the same file; a non-default section inherits those
values until overridden. Defining the same node_id twice in non-default
sections is an error.
*/
package configfile

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/iclaustron/gridctl/pkg/gridmodel"
	"github.com/iclaustron/gridctl/pkg/griderrs"
	"github.com/iclaustron/gridctl/pkg/paramreg"
)

// ParseError is the (line_number, kind) pair §7 requires config-file
// errors to surface.
type ParseError struct {
	Line int
	Kind string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("configfile: line %d: %s: %v", e.Line, e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func parseErr(line int, kind string, err error) error {
	return &ParseError{Line: line, Kind: kind, Err: err}
}

var sectionNodeTypes = map[string]gridmodel.NodeType{
	"data server":         gridmodel.NodeDataServer,
	"client":              gridmodel.NodeClient,
	"cluster server":      gridmodel.NodeClusterServer,
	"sql server":          gridmodel.NodeSqlServer,
	"replication server":  gridmodel.NodeRepServer,
	"file server":         gridmodel.NodeFileServer,
	"restore":             gridmodel.NodeRestoreNode,
	"cluster manager":     gridmodel.NodeClusterMgr,
}

const socketSectionName = "socket"
const clusterSectionName = "cluster"

type rawSection struct {
	name      string
	isDefault bool
	line      int
	kv        []kvPair // ordered, duplicates allowed (last wins on apply)
}

type kvPair struct {
	key, value string
	line       int
}

// scanSections does a single pass over the text, splitting it into
// raw sections without interpreting keys yet. Both parse passes for
// node counting and node filling reuse this scan.
func scanSections(r io.Reader) ([]rawSection, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var sections []rawSection
	var cur *rawSection
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			continue
		}

		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			name := strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			isDefault := false
			if strings.HasSuffix(name, " default") {
				isDefault = true
				name = strings.TrimSpace(strings.TrimSuffix(name, "default"))
			}
			sections = append(sections, rawSection{name: name, isDefault: isDefault, line: lineNo})
			cur = &sections[len(sections)-1]
			continue
		}

		if cur == nil {
			return nil, parseErr(lineNo, "no such section", fmt.Errorf("key/value line outside any section"))
		}

		idx := strings.Index(trimmed, ":")
		if idx < 0 {
			return nil, parseErr(lineNo, "malformed line", fmt.Errorf("expected 'key: value', got %q", trimmed))
		}
		key := strings.TrimSpace(trimmed[:idx])
		val := strings.TrimSpace(trimmed[idx+1:])
		cur.kv = append(cur.kv, kvPair{key: key, value: val, line: lineNo})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", griderrs.ErrIO, err)
	}
	return sections, nil
}

// GridIndexEntry is one [cluster] block in a grid index file.
type GridIndexEntry struct {
	ClusterName string
	ClusterID   uint32
	Password    string
}

// ParseGridIndex parses a config_vN.ini grid index file: a top-level
// list of [cluster] sections.
func ParseGridIndex(r io.Reader) ([]GridIndexEntry, error) {
	sections, err := scanSections(r)
	if err != nil {
		return nil, err
	}

	var entries []GridIndexEntry
	for _, s := range sections {
		if s.name != clusterSectionName {
			return nil, parseErr(s.line, "no such section", fmt.Errorf("expected [cluster], found [%s]", s.name))
		}
		var e GridIndexEntry
		for _, kv := range s.kv {
			switch kv.key {
			case "cluster_name":
				e.ClusterName = kv.value
			case "cluster_id":
				id, err := strconv.ParseUint(kv.value, 10, 32)
				if err != nil {
					return nil, parseErr(kv.line, "malformed value", err)
				}
				e.ClusterID = uint32(id)
			case "password":
				e.Password = kv.value
			default:
				return nil, parseErr(kv.line, "unknown key", fmt.Errorf("%q is not valid in [cluster]", kv.key))
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ParseClusterFile parses one cluster's <cluster_name>_vN.ini file
// into a fully built gridmodel.ClusterConfig, applying [type default]
// inheritance, mandatory-field enforcement, bounds checking, and the
// derivation rules of §4.2.
//
// Two passes over the already-scanned sections mirror §4.2: pass one
// counts node sections to learn MaxNodeID (so the sparse array can be
// allocated once); pass two applies defaults then per-section
// overrides and fills the array.
func ParseClusterFile(reg *paramreg.Registry, clusterID uint32, clusterName string, r io.Reader) (*gridmodel.ClusterConfig, error) {
	sections, err := scanSections(r)
	if err != nil {
		return nil, err
	}

	// Pass 1: find every non-default node section's node_id and the
	// explicit comm section count.
	var maxNodeID uint32
	numComms := 0
	for _, s := range sections {
		if s.isDefault {
			continue
		}
		if s.name == socketSectionName {
			numComms++
			continue
		}
		if _, ok := sectionNodeTypes[s.name]; !ok {
			return nil, parseErr(s.line, "no such section", fmt.Errorf("unrecognized section [%s]", s.name))
		}
		for _, kv := range s.kv {
			if kv.key == "node_id" {
				id, err := strconv.ParseUint(kv.value, 10, 32)
				if err != nil {
					return nil, parseErr(kv.line, "malformed value", err)
				}
				if uint32(id) > maxNodeID {
					maxNodeID = uint32(id)
				}
			}
		}
	}

	cc := gridmodel.NewClusterConfig(clusterID, clusterName, maxNodeID)

	// Pass 2: apply defaults-then-overrides per section type, fill
	// nodes and comm sections.
	defaults := make(map[string][]kvPair) // section type name -> accumulated default kv
	seenNodeIDs := make(map[uint32]bool)

	for _, s := range sections {
		if s.name == socketSectionName {
			if s.isDefault {
				defaults[socketSectionName] = mergeKV(defaults[socketSectionName], s.kv)
				continue
			}
			cs, err := buildCommSection(mergeKV(defaults[socketSectionName], s.kv), s.line)
			if err != nil {
				return nil, err
			}
			if err := cc.AddComm(cs); err != nil {
				return nil, parseErr(s.line, "config", err)
			}
			continue
		}

		nodeType := sectionNodeTypes[s.name]
		if s.isDefault {
			defaults[s.name] = mergeKV(defaults[s.name], s.kv)
			continue
		}

		merged := mergeKV(defaults[s.name], s.kv)
		nc, nodeID, err := buildNodeConfig(reg, nodeType, merged, s.line)
		if err != nil {
			return nil, err
		}
		if seenNodeIDs[nodeID] {
			return nil, parseErr(s.line, "config", fmt.Errorf("duplicate node_id %d", nodeID))
		}
		seenNodeIDs[nodeID] = true

		if err := cc.AddNode(nc); err != nil {
			return nil, parseErr(s.line, "config", err)
		}
		gridmodel.ApplyDerivationRules(reg, nc)
	}

	return cc, nil
}

// mergeKV overlays override on top of base, keyed by key, preserving
// base's order for keys only present there and appending new keys
// from override; last value for a repeated key wins (a non-default
// section inherits default values until overridden).
func mergeKV(base, override []kvPair) []kvPair {
	out := make([]kvPair, 0, len(base)+len(override))
	index := make(map[string]int)
	for _, kv := range base {
		if i, ok := index[kv.key]; ok {
			out[i] = kv
			continue
		}
		index[kv.key] = len(out)
		out = append(out, kv)
	}
	for _, kv := range override {
		if i, ok := index[kv.key]; ok {
			out[i] = kv
			continue
		}
		index[kv.key] = len(out)
		out = append(out, kv)
	}
	return out
}

func buildNodeConfig(reg *paramreg.Registry, t gridmodel.NodeType, kv []kvPair, sectionLine int) (*gridmodel.NodeConfig, uint32, error) {
	var nodeID uint64
	var haveNodeID bool
	nc := &gridmodel.NodeConfig{Type: t, Params: map[uint16]gridmodel.ParamValue{}}

	seenMandatory := map[uint16]bool{}
	st := t.SectionType()

	for _, pair := range kv {
		entry, ok := reg.ByName(pair.key)
		if !ok {
			return nil, 0, parseErr(pair.line, "unknown key", fmt.Errorf("%q", pair.key))
		}
		if entry.IsDeprecated {
			continue // accepted on input, silently ignored
		}
		if !entry.SectionMask.Has(st) {
			return nil, 0, parseErr(pair.line, "no such section", fmt.Errorf("%q is not valid in a %s section", pair.key, t))
		}

		val, err := parseEntryValue(entry, pair.value, pair.line)
		if err != nil {
			return nil, 0, err
		}

		if entry.IsNotConfigurable {
			if !sameAsDefault(entry, val) {
				return nil, 0, parseErr(pair.line, "config", fmt.Errorf("%q is not configurable, must equal its default", pair.key))
			}
		}

		if entry.IsMandatory {
			seenMandatory[entry.ConfigID] = true
		}

		switch pair.key {
		case "node_id":
			nodeID = val.Uint
			haveNodeID = true
		case "hostname":
			nc.Hostname = val.Str
		case "node_data_path":
			nc.NodeDataPath = val.Str
		}
		nc.Set(entry.ConfigID, val)
	}

	if !haveNodeID {
		return nil, 0, parseErr(sectionLine, "missing mandatory", fmt.Errorf("node_id"))
	}

	for _, e := range reg.ForSection(st) {
		if e.IsMandatory && !seenMandatory[e.ConfigID] {
			return nil, 0, parseErr(sectionLine, "missing mandatory", fmt.Errorf("%s", e.Name))
		}
	}

	nc.NodeID = uint32(nodeID)
	return nc, nc.NodeID, nil
}

func sameAsDefault(e *paramreg.Entry, v gridmodel.ParamValue) bool {
	if e.IsString() {
		return v.Str == e.DefaultString
	}
	return v.Uint == e.DefaultValue
}

func parseEntryValue(e *paramreg.Entry, raw string, line int) (gridmodel.ParamValue, error) {
	if e.IsString() {
		return gridmodel.ParamValue{Str: raw}, nil
	}
	if e.IsBoolean() {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return gridmodel.ParamValue{}, parseErr(line, "malformed value", err)
		}
		return gridmodel.ParamValue{IsBool: true, Bool: b, Uint: boolToUint(b)}, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return gridmodel.ParamValue{}, parseErr(line, "malformed value", err)
	}
	if !e.InBounds(n) {
		return gridmodel.ParamValue{}, parseErr(line, "out of bounds", fmt.Errorf("%s=%d", e.Name, n))
	}
	return gridmodel.ParamValue{Uint: n}, nil
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func buildCommSection(kv []kvPair, sectionLine int) (*gridmodel.CommSection, error) {
	cs := &gridmodel.CommSection{}
	haveFirst, haveSecond := false, false

	for _, pair := range kv {
		switch pair.key {
		case "first_node_id":
			v, err := strconv.ParseUint(pair.value, 10, 32)
			if err != nil {
				return nil, parseErr(pair.line, "malformed value", err)
			}
			cs.FirstNodeID = uint32(v)
			haveFirst = true
		case "second_node_id":
			v, err := strconv.ParseUint(pair.value, 10, 32)
			if err != nil {
				return nil, parseErr(pair.line, "malformed value", err)
			}
			cs.SecondNodeID = uint32(v)
			haveSecond = true
		case "server_node_id":
			v, err := strconv.ParseUint(pair.value, 10, 32)
			if err != nil {
				return nil, parseErr(pair.line, "malformed value", err)
			}
			cs.ServerNodeID = uint32(v)
		case "server_port":
			v, err := strconv.ParseUint(pair.value, 10, 16)
			if err != nil {
				return nil, parseErr(pair.line, "malformed value", err)
			}
			cs.ServerPort = uint16(v)
		case "client_port":
			v, err := strconv.ParseUint(pair.value, 10, 16)
			if err != nil {
				return nil, parseErr(pair.line, "malformed value", err)
			}
			p := uint16(v)
			cs.ClientPort = &p
		case "first_hostname":
			cs.FirstHostname = pair.value
		case "second_hostname":
			cs.SecondHostname = pair.value
		case "send_buffer_size":
			v, err := strconv.ParseUint(pair.value, 10, 32)
			if err != nil {
				return nil, parseErr(pair.line, "malformed value", err)
			}
			cs.SendBufferSize = uint32(v)
		case "receive_buffer_size":
			v, err := strconv.ParseUint(pair.value, 10, 32)
			if err != nil {
				return nil, parseErr(pair.line, "malformed value", err)
			}
			cs.ReceiveBufferSize = uint32(v)
		case "use_message_id":
			v, err := strconv.ParseBool(pair.value)
			if err != nil {
				return nil, parseErr(pair.line, "malformed value", err)
			}
			cs.UseMessageID = v
		case "use_checksum":
			v, err := strconv.ParseBool(pair.value)
			if err != nil {
				return nil, parseErr(pair.line, "malformed value", err)
			}
			cs.UseChecksum = v
		case "max_wait_in_nanos":
			v, err := strconv.ParseUint(pair.value, 10, 64)
			if err != nil {
				return nil, parseErr(pair.line, "malformed value", err)
			}
			cs.MaxWaitInNanos = v
		case "bind_address":
			cs.BindAddress = pair.value
		default:
			return nil, parseErr(pair.line, "unknown key", fmt.Errorf("%q is not valid in [socket]", pair.key))
		}
	}

	if !haveFirst || !haveSecond {
		return nil, parseErr(sectionLine, "missing mandatory", fmt.Errorf("first_node_id/second_node_id"))
	}
	return cs, nil
}
