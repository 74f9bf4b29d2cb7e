package mgmwire

import (
	"encoding/binary"
	"fmt"

	"github.com/iclaustron/gridctl/pkg/griderrs"
	"github.com/iclaustron/gridctl/pkg/gridmodel"
	"github.com/iclaustron/gridctl/pkg/paramreg"
)

type rawEntry struct {
	configID uint16
	typ      WordType
	u32      uint32 // INT32 value, or SECT target, or CHAR length
	u64      uint64 // INT64 value
	str      string // CHAR value
}

// Decode reverses Encode: verifies the envelope, walks its key/value
// stream, and reconstructs a ClusterConfig. clusterID/clusterName are
// supplied by the caller since the envelope carries only one cluster's
// node and comm sections, not cluster identity (that travels in the
// surrounding get-config session, §4.4.3).
func Decode(reg *paramreg.Registry, raw []byte, clusterID uint32, clusterName string) (*gridmodel.ClusterConfig, error) {
	if err := Verify(raw); err != nil {
		return nil, err
	}

	words := make([]uint32, len(raw)/4)
	for i := range words {
		words[i] = binary.BigEndian.Uint32(raw[i*4 : i*4+4])
	}
	// Skip the 2-word magic and the trailing checksum word.
	body := words[2 : len(words)-1]

	sections := make(map[uint16][]rawEntry)
	i := 0
	for i < len(body) {
		key := body[i]
		t, sectionID, configID := splitKeyWord(key)
		i++
		switch t {
		case WordInt32, WordSect:
			if i >= len(body) {
				return nil, fmt.Errorf("%w: truncated INT32/SECT value", griderrs.ErrProtocol)
			}
			sections[sectionID] = append(sections[sectionID], rawEntry{configID: configID, typ: t, u32: body[i]})
			i++
		case WordInt64:
			if i+1 >= len(body) {
				return nil, fmt.Errorf("%w: truncated INT64 value", griderrs.ErrProtocol)
			}
			hi, lo := body[i], body[i+1]
			sections[sectionID] = append(sections[sectionID], rawEntry{configID: configID, typ: t, u64: uint64(hi)<<32 | uint64(lo)})
			i += 2
		case WordChar:
			if i >= len(body) {
				return nil, fmt.Errorf("%w: truncated CHAR length", griderrs.ErrProtocol)
			}
			length := body[i]
			i++
			words32 := (int(length) + 3) / 4
			if i+words32 > len(body) {
				return nil, fmt.Errorf("%w: truncated CHAR data", griderrs.ErrProtocol)
			}
			data := make([]byte, words32*4)
			for w := 0; w < words32; w++ {
				binary.BigEndian.PutUint32(data[w*4:], body[i+w])
			}
			data = data[:length]
			// Trim the trailing NUL included in the reported length.
			if len(data) > 0 && data[len(data)-1] == 0 {
				data = data[:len(data)-1]
			}
			sections[sectionID] = append(sections[sectionID], rawEntry{configID: configID, typ: t, str: string(data)})
			i += words32
		default:
			return nil, fmt.Errorf("%w: unknown word type %d", griderrs.ErrProtocol, t)
		}
	}

	gridMeta := sections[0]
	var nodeIndexSection, commIndexSection uint16
	for _, e := range gridMeta {
		switch e.configID {
		case nodeIndexSectionID:
			nodeIndexSection = uint16(e.u32)
		case commIndexRootID:
			commIndexSection = uint16(e.u32)
		}
	}

	nodeSectionIDs := denseTargets(sections[nodeIndexSection])
	commSectionIDs := denseTargets(sections[commIndexSection])

	type decodedNode struct {
		nc     *gridmodel.NodeConfig
		nodeID uint32
	}
	var decodedNodes []decodedNode
	var maxNodeID uint32

	for _, sid := range nodeSectionIDs {
		nc := &gridmodel.NodeConfig{Params: make(map[uint16]gridmodel.ParamValue)}
		for _, e := range sections[sid] {
			switch e.configID {
			case nodeTypeConfigID:
				nc.Type = gridmodel.NodeType(e.u32)
				continue
			case parentConfigID:
				continue
			}
			entry, ok := reg.ByID(e.configID)
			if !ok {
				continue
			}
			v := decodeParamValue(entry, e)
			switch e.configID {
			case nodeIDConfigID:
				nc.NodeID = uint32(v.Uint)
			case hostnameConfigID:
				nc.Hostname = v.Str
			case nodeDataPathConfigID:
				nc.NodeDataPath = v.Str
			default:
				nc.Set(e.configID, v)
			}
		}
		if nc.NodeID > maxNodeID {
			maxNodeID = nc.NodeID
		}
		decodedNodes = append(decodedNodes, decodedNode{nc: nc, nodeID: nc.NodeID})
	}

	cc := gridmodel.NewClusterConfig(clusterID, clusterName, maxNodeID)
	for _, dn := range decodedNodes {
		if err := cc.AddNode(dn.nc); err != nil {
			return nil, fmt.Errorf("%w: %v", griderrs.ErrConsistency, err)
		}
	}

	for _, sid := range commSectionIDs {
		cs := &gridmodel.CommSection{}
		for _, e := range sections[sid] {
			switch e.configID {
			case commKeyFirstNodeID:
				cs.FirstNodeID = e.u32
			case commKeySecondNodeID:
				cs.SecondNodeID = e.u32
			case commKeyServerNodeID:
				cs.ServerNodeID = e.u32
			case commKeyServerPort:
				cs.ServerPort = uint16(e.u32)
			case commKeySendBuf:
				cs.SendBufferSize = e.u32
			case commKeyRecvBuf:
				cs.ReceiveBufferSize = e.u32
			case commKeyUseMessageID:
				cs.UseMessageID = e.u32 != 0
			case commKeyUseChecksum:
				cs.UseChecksum = e.u32 != 0
			case commKeyMaxWaitNanos:
				cs.MaxWaitInNanos = e.u64
			}
		}
		if err := cc.AddComm(cs); err != nil {
			return nil, fmt.Errorf("%w: %v", griderrs.ErrConsistency, err)
		}
	}

	return cc, nil
}

// denseTargets reads an index section's INT32 entries in dense-
// position order and returns the target section ids they point to.
func denseTargets(entries []rawEntry) []uint16 {
	max := -1
	for _, e := range entries {
		if int(e.configID) > max {
			max = int(e.configID)
		}
	}
	out := make([]uint16, max+1)
	for _, e := range entries {
		out[e.configID] = uint16(e.u32)
	}
	return out
}

func decodeParamValue(entry *paramreg.Entry, e rawEntry) gridmodel.ParamValue {
	switch entry.DataType {
	case paramreg.TypeString:
		return gridmodel.ParamValue{Str: e.str}
	case paramreg.TypeU64:
		return gridmodel.ParamValue{Uint: e.u64}
	case paramreg.TypeBool:
		return gridmodel.ParamValue{IsBool: true, Bool: e.u32 != 0, Uint: uint64(e.u32)}
	default:
		return gridmodel.ParamValue{Uint: uint64(e.u32)}
	}
}
