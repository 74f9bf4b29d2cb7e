package configfile

import (
	"fmt"
	"io"
	"sort"

	"github.com/iclaustron/gridctl/pkg/gridmodel"
	"github.com/iclaustron/gridctl/pkg/paramreg"
)

// WriteGridIndex serializes a grid index file: one [cluster] section
// per entry, in the order given.
func WriteGridIndex(w io.Writer, entries []GridIndexEntry) error {
	for _, e := range entries {
		if _, err := fmt.Fprintf(w, "[cluster]\ncluster_name: %s\ncluster_id: %d\npassword: %s\n\n",
			e.ClusterName, e.ClusterID, e.Password); err != nil {
			return err
		}
	}
	return nil
}

// WriteClusterFile serializes a cluster's node and comm sections.
// Every node is written in full (no default-section folding): a
// derived-on-read config always round-trips with the same bytes it
// would have if the source file had spelled every key out.
//
// Synthesized comm sections are never written; only the explicit
// sections cc.Comms() holds are persisted, matching §4.2: a comm
// section synthesized for serving is a read-time derivation, not
// on-disk state.
func WriteClusterFile(w io.Writer, reg *paramreg.Registry, cc *gridmodel.ClusterConfig) error {
	for _, nc := range cc.Nodes() {
		if _, err := fmt.Fprintf(w, "[%s]\n", nc.Type.String()); err != nil {
			return err
		}
		if err := writeKV(w, "node_id", fmt.Sprintf("%d", nc.NodeID)); err != nil {
			return err
		}
		if err := writeKV(w, "hostname", nc.Hostname); err != nil {
			return err
		}
		if err := writeKV(w, "node_data_path", nc.NodeDataPath); err != nil {
			return err
		}

		ids := make([]uint16, 0, len(nc.Params))
		for id := range nc.Params {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			entry, ok := reg.ByID(id)
			if !ok || entry.IsNotSent {
				continue
			}
			v := nc.Params[id]
			if err := writeKV(w, entry.Name, formatValue(entry, v)); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}

	for _, cs := range cc.Comms() {
		if err := writeComm(w, cs); err != nil {
			return err
		}
	}
	return nil
}

func writeKV(w io.Writer, key, value string) error {
	_, err := fmt.Fprintf(w, "%s: %s\n", key, value)
	return err
}

func formatValue(e *paramreg.Entry, v gridmodel.ParamValue) string {
	if e.IsString() {
		return v.Str
	}
	if e.IsBoolean() {
		if v.Bool {
			return "true"
		}
		return "false"
	}
	return fmt.Sprintf("%d", v.Uint)
}

func writeComm(w io.Writer, cs *gridmodel.CommSection) error {
	if _, err := fmt.Fprintln(w, "[socket]"); err != nil {
		return err
	}
	if err := writeKV(w, "first_node_id", fmt.Sprintf("%d", cs.FirstNodeID)); err != nil {
		return err
	}
	if err := writeKV(w, "second_node_id", fmt.Sprintf("%d", cs.SecondNodeID)); err != nil {
		return err
	}
	if err := writeKV(w, "server_node_id", fmt.Sprintf("%d", cs.ServerNodeID)); err != nil {
		return err
	}
	if err := writeKV(w, "server_port", fmt.Sprintf("%d", cs.ServerPort)); err != nil {
		return err
	}
	if cs.ClientPort != nil {
		if err := writeKV(w, "client_port", fmt.Sprintf("%d", *cs.ClientPort)); err != nil {
			return err
		}
	}
	if cs.FirstHostname != "" {
		if err := writeKV(w, "first_hostname", cs.FirstHostname); err != nil {
			return err
		}
	}
	if cs.SecondHostname != "" {
		if err := writeKV(w, "second_hostname", cs.SecondHostname); err != nil {
			return err
		}
	}
	if err := writeKV(w, "send_buffer_size", fmt.Sprintf("%d", cs.SendBufferSize)); err != nil {
		return err
	}
	if err := writeKV(w, "receive_buffer_size", fmt.Sprintf("%d", cs.ReceiveBufferSize)); err != nil {
		return err
	}
	if err := writeKV(w, "use_message_id", fmt.Sprintf("%t", cs.UseMessageID)); err != nil {
		return err
	}
	if err := writeKV(w, "use_checksum", fmt.Sprintf("%t", cs.UseChecksum)); err != nil {
		return err
	}
	if err := writeKV(w, "max_wait_in_nanos", fmt.Sprintf("%d", cs.MaxWaitInNanos)); err != nil {
		return err
	}
	if cs.BindAddress != "" {
		if err := writeKV(w, "bind_address", cs.BindAddress); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}
