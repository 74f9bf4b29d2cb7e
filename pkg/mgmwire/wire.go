/*
Package mgmwire is the management protocol's binary key/value envelope
(component E, spec.md §4.4.1): a sequence of 32-bit big-endian words
framed by an 8-byte "NDBCONFV" magic and a trailing XOR checksum,
base64-wrapped in 76-character lines for transport over the text
protocol of pkg/mgmserver/pkg/mgmclient.

Section numbering is this package's own allocation scheme (spec.md §9
treats on-wire offsets as implementer-chosen, "ABI-neutral: the
implementer may use a tagged-field map instead"): section 0 is the
grid meta section (pointers to the node index and comm index
sections), section 1 is the node index, sections 2..1+N are the node
sections in node_id order, the next section is the system section,
then the comm index section, then the per-pair comm sections.
*/
package mgmwire

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/iclaustron/gridctl/pkg/griderrs"
	"github.com/iclaustron/gridctl/pkg/gridmodel"
	"github.com/iclaustron/gridctl/pkg/paramreg"
)

// Magic is the 8-byte envelope header, the ASCII bytes "NDBCONFV".
var Magic = [8]byte{'N', 'D', 'B', 'C', 'O', 'N', 'F', 'V'}

// WordType is the 4-bit type tag packed into the top of a key word.
type WordType uint32

const (
	WordInt32 WordType = 1
	WordChar  WordType = 2
	WordSect  WordType = 3
	WordInt64 WordType = 4
)

const (
	nodeIndexSectionID = 1000
	commIndexRootID    = 3000
	nodeTypeConfigID   = 999
	parentConfigID     = 16382

	bytesPerLine = 76
)

func makeKeyWord(t WordType, sectionID uint16, configID uint16) uint32 {
	return uint32(t)<<28 | uint32(sectionID)<<14 | uint32(configID)
}

func splitKeyWord(w uint32) (t WordType, sectionID uint16, configID uint16) {
	t = WordType(w >> 28)
	sectionID = uint16((w >> 14) & 0x3FFF)
	configID = uint16(w & 0x3FFF)
	return
}

// wordBuf accumulates the flat word stream before the trailing
// checksum is appended.
type wordBuf struct {
	words []uint32
}

func (b *wordBuf) put(w uint32) { b.words = append(b.words, w) }

func (b *wordBuf) putSect(sectionID uint16, configID uint16, target uint16) {
	b.put(makeKeyWord(WordSect, sectionID, configID))
	b.put(uint32(target))
}

func (b *wordBuf) putParam(sectionID uint16, entry *paramreg.Entry, v gridmodel.ParamValue) error {
	switch entry.DataType {
	case paramreg.TypeString:
		b.put(makeKeyWord(WordChar, sectionID, entry.ConfigID))
		data := append([]byte(v.Str), 0) // trailing NUL included in reported length
		b.put(uint32(len(data)))
		padded := len(data)
		if padded%4 != 0 {
			padded += 4 - padded%4
		}
		padded32 := make([]byte, padded)
		copy(padded32, data)
		for i := 0; i < padded; i += 4 {
			b.put(binary.BigEndian.Uint32(padded32[i : i+4]))
		}
	case paramreg.TypeU64:
		b.put(makeKeyWord(WordInt64, sectionID, entry.ConfigID))
		b.put(uint32(v.Uint >> 32))
		b.put(uint32(v.Uint))
	case paramreg.TypeBool:
		b.put(makeKeyWord(WordInt32, sectionID, entry.ConfigID))
		if v.Bool {
			b.put(1)
		} else {
			b.put(0)
		}
	default: // TypeU16, TypeU32
		b.put(makeKeyWord(WordInt32, sectionID, entry.ConfigID))
		b.put(uint32(v.Uint))
	}
	return nil
}

// EncodeOptions controls which parameters are serialized.
type EncodeOptions struct {
	// Version gates entries via paramreg.Entry.IsUsedInVersion; entries
	// outside the window are silently omitted, matching §4.1.
	Version paramreg.Version
}

// Encode serializes one cluster's configuration into the flat,
// pre-base64 binary envelope of §4.4.1: magic, grid meta section,
// node index, node sections, system section, comm index, comm
// sections, trailing XOR checksum.
func Encode(reg *paramreg.Registry, cc *gridmodel.ClusterConfig, opts EncodeOptions) ([]byte, error) {
	nodes := cc.Nodes()
	comms, err := cc.EffectiveComms(gridmodel.DefaultCommDefaults(), func(nc *gridmodel.NodeConfig) uint16 {
		return gridmodel.PortOf(reg, nc)
	})
	if err != nil {
		return nil, fmt.Errorf("mgmwire: synthesizing comm sections: %w", err)
	}

	const (
		gridMetaSection = 0
		nodeIndexSect   = 1
	)
	firstNodeSection := uint16(2)
	systemSection := firstNodeSection + uint16(len(nodes))
	commIndexSection := systemSection + 1
	firstCommSection := commIndexSection + 1

	buf := &wordBuf{}
	buf.put(binary.BigEndian.Uint32(Magic[0:4]))
	buf.put(binary.BigEndian.Uint32(Magic[4:8]))

	// Section 0: grid meta.
	buf.putSect(gridMetaSection, nodeIndexSectionID, nodeIndexSect)
	buf.putSect(gridMetaSection, commIndexRootID, commIndexSection)

	// Section 1: node index, one INT32 key per dense node position.
	for i := range nodes {
		buf.put(makeKeyWord(WordInt32, nodeIndexSect, uint16(i)))
		buf.put(uint32(firstNodeSection) + uint32(i))
	}

	// Sections 2..1+N: per-node parameter sections.
	for i, nc := range nodes {
		sectionID := firstNodeSection + uint16(i)
		if err := encodeNodeSection(buf, reg, sectionID, nc, opts); err != nil {
			return nil, err
		}
	}

	// System section: a representative entry (protocol_version, wire
	// ids 1001-1003 translate to 1-3 per §4.4.1; this catalog has one
	// system entry so only id 1 is in use).
	if e, ok := reg.ByID(1999); ok {
		buf.put(makeKeyWord(WordInt32, systemSection, 1))
		buf.put(uint32(e.DefaultValue))
	}

	// Comm index section, then per-pair comm sections.
	for i := range comms {
		buf.put(makeKeyWord(WordInt32, commIndexSection, uint16(i)))
		buf.put(uint32(firstCommSection) + uint32(i))
	}
	for i, cs := range comms {
		sectionID := firstCommSection + uint16(i)
		encodeCommSection(buf, sectionID, cs)
	}

	var checksum uint32
	for _, w := range buf.words {
		checksum ^= w
	}
	buf.put(checksum)

	out := make([]byte, len(buf.words)*4)
	for i, w := range buf.words {
		binary.BigEndian.PutUint32(out[i*4:], w)
	}
	return out, nil
}

// nodeIDConfigID, hostnameConfigID, nodeDataPathConfigID are the
// Common record fields (§3) every node section carries on its own
// struct fields rather than in the free-form Params map; they are
// encoded from those fields directly, mirroring pkg/configfile's
// WriteClusterFile.
const (
	nodeIDConfigID       = 1
	hostnameConfigID     = 2
	nodeDataPathConfigID = 3
)

func encodeNodeSection(buf *wordBuf, reg *paramreg.Registry, sectionID uint16, nc *gridmodel.NodeConfig, opts EncodeOptions) error {
	buf.put(makeKeyWord(WordInt32, sectionID, nodeTypeConfigID))
	buf.put(uint32(nc.Type))
	buf.put(makeKeyWord(WordInt32, sectionID, parentConfigID))
	buf.put(0)

	if entry, ok := reg.ByID(nodeIDConfigID); ok {
		if err := buf.putParam(sectionID, entry, gridmodel.ParamValue{Uint: uint64(nc.NodeID)}); err != nil {
			return err
		}
	}
	if entry, ok := reg.ByID(hostnameConfigID); ok {
		if err := buf.putParam(sectionID, entry, gridmodel.ParamValue{Str: nc.Hostname}); err != nil {
			return err
		}
	}
	if entry, ok := reg.ByID(nodeDataPathConfigID); ok {
		if err := buf.putParam(sectionID, entry, gridmodel.ParamValue{Str: nc.NodeDataPath}); err != nil {
			return err
		}
	}

	for _, entry := range reg.ForSection(nc.Type.SectionType()) {
		switch entry.ConfigID {
		case nodeIDConfigID, hostnameConfigID, nodeDataPathConfigID:
			continue
		}
		if entry.IsNotSent || entry.IsDeprecated {
			continue
		}
		if !entry.IsUsedInVersion(opts.Version) {
			continue
		}
		v, ok := nc.Get(entry.ConfigID)
		if !ok {
			continue
		}
		if err := buf.putParam(sectionID, entry, v); err != nil {
			return err
		}
	}
	return nil
}

const (
	commKeyFirstNodeID  = 1
	commKeySecondNodeID = 2
	commKeyServerNodeID = 3
	commKeyServerPort   = 4
	commKeySendBuf      = 1100
	commKeyRecvBuf      = 1101
	commKeyUseMessageID = 1102
	commKeyUseChecksum  = 1103
	commKeyMaxWaitNanos = 1104
)

func encodeCommSection(buf *wordBuf, sectionID uint16, cs *gridmodel.CommSection) {
	buf.put(makeKeyWord(WordInt32, sectionID, commKeyFirstNodeID))
	buf.put(cs.FirstNodeID)
	buf.put(makeKeyWord(WordInt32, sectionID, commKeySecondNodeID))
	buf.put(cs.SecondNodeID)
	buf.put(makeKeyWord(WordInt32, sectionID, commKeyServerNodeID))
	buf.put(cs.ServerNodeID)
	buf.put(makeKeyWord(WordInt32, sectionID, commKeyServerPort))
	buf.put(uint32(cs.ServerPort))
	buf.put(makeKeyWord(WordInt32, sectionID, commKeySendBuf))
	buf.put(cs.SendBufferSize)
	buf.put(makeKeyWord(WordInt32, sectionID, commKeyRecvBuf))
	buf.put(cs.ReceiveBufferSize)
	buf.put(makeKeyWord(WordInt32, sectionID, commKeyUseMessageID))
	buf.put(boolWord(cs.UseMessageID))
	buf.put(makeKeyWord(WordInt32, sectionID, commKeyUseChecksum))
	buf.put(boolWord(cs.UseChecksum))
	buf.put(makeKeyWord(WordInt64, sectionID, commKeyMaxWaitNanos))
	buf.put(uint32(cs.MaxWaitInNanos >> 32))
	buf.put(uint32(cs.MaxWaitInNanos))
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// EncodeBase64Lines wraps raw envelope bytes into fixed-width 76-
// character base64 lines for transport, per §4.4.1.
func EncodeBase64Lines(raw []byte) string {
	enc := base64.StdEncoding.EncodeToString(raw)
	var sb strings.Builder
	for i := 0; i < len(enc); i += bytesPerLine {
		end := i + bytesPerLine
		if end > len(enc) {
			end = len(enc)
		}
		sb.WriteString(enc[i:end])
		sb.WriteString("\n")
	}
	return sb.String()
}

// DecodeBase64Lines reverses EncodeBase64Lines: concatenates lines and
// base64-decodes the result.
func DecodeBase64Lines(lines string) ([]byte, error) {
	joined := strings.ReplaceAll(strings.ReplaceAll(lines, "\r", ""), "\n", "")
	raw, err := base64.StdEncoding.DecodeString(joined)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", griderrs.ErrProtocol, err)
	}
	return raw, nil
}

// Verify checks the envelope's structural integrity per §4.4.1: size
// is a multiple of 4 bytes (one word), the magic matches, and the XOR
// of every word (including the checksum itself) is zero.
func Verify(raw []byte) error {
	if len(raw) < 8+4 || len(raw)%4 != 0 {
		return fmt.Errorf("%w: envelope size %d is not a valid word multiple", griderrs.ErrProtocol, len(raw))
	}
	if raw[0] != Magic[0] || raw[1] != Magic[1] || raw[2] != Magic[2] || raw[3] != Magic[3] ||
		raw[4] != Magic[4] || raw[5] != Magic[5] || raw[6] != Magic[6] || raw[7] != Magic[7] {
		return fmt.Errorf("%w: bad magic", griderrs.ErrProtocol)
	}
	var checksum uint32
	for i := 0; i < len(raw); i += 4 {
		checksum ^= binary.BigEndian.Uint32(raw[i : i+4])
	}
	if checksum != 0 {
		return fmt.Errorf("%w: checksum mismatch", griderrs.ErrProtocol)
	}
	return nil
}
