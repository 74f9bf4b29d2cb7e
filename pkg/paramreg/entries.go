package paramreg

// StandardEntries returns the literal parameter catalog used to build
// the Default registry. It is not exhaustive of every tunable a real
// grid exposes, but it covers one full mandatory/derived/bounded
// parameter per node kind plus the communication-section parameters,
// which is what the configuration model, file loader, and protocol
// codec actually exercise.
//
// Mandatory bits are assigned per section-type group starting at 0;
// node_id, hostname, and node_data_path are mandatory on every node
// section per §3's Node Config invariant.
func StandardEntries() []Entry {
	allNodeSections := MaskOf(
		SectionDataServer, SectionClient, SectionClusterServer,
		SectionSqlServer, SectionRepServer, SectionFileServer,
		SectionRestoreNode, SectionClusterMgr,
	)

	entries := []Entry{
		{
			ConfigID: 1, Name: "node_id", DataType: TypeU32,
			SectionMask: allNodeSections,
			IsMandatory: true, MandatoryBit: 0,
			HasMin: true, MinValue: 1, HasMax: true, MaxValue: 255,
			IsKey: true,
		},
		{
			ConfigID: 2, Name: "hostname", DataType: TypeString,
			SectionMask: allNodeSections,
			IsMandatory: true, MandatoryBit: 1,
		},
		{
			ConfigID: 3, Name: "node_data_path", DataType: TypeString,
			SectionMask: allNodeSections,
			IsMandatory: true, MandatoryBit: 2,
		},

		// Data server parameters.
		{
			ConfigID: 100, Name: "filesystem_path", DataType: TypeString,
			SectionMask:      MaskOf(SectionDataServer),
			IsDerivedDefault: true,
		},
		{
			ConfigID: 101, Name: "data_server_checkpoint_path", DataType: TypeString,
			SectionMask:      MaskOf(SectionDataServer),
			IsDerivedDefault: true,
		},
		{
			ConfigID: 102, Name: "max_no_of_tables", DataType: TypeU32,
			SectionMask:  MaskOf(SectionDataServer),
			DefaultValue: 128,
			HasMin:       true, MinValue: 8, HasMax: true, MaxValue: 20320,
			ChangeClass: ChangeInitialNodeRestart,
		},
		{
			ConfigID: 103, Name: "num_replicas", DataType: TypeU16,
			SectionMask:  MaskOf(SectionDataServer),
			DefaultValue: 2,
			HasMin:       true, MinValue: 1, HasMax: true, MaxValue: 4,
			ChangeClass: ChangeClusterRestart,
		},
		{
			// The source's genuine duplicate: lock_main_thread is
			// registered twice, at ids 177 and 178. Both are kept per
			// the Open Question in spec.md §9 and SPEC_FULL.md.
			ConfigID: 177, Name: "lock_main_thread", DataType: TypeBool,
			SectionMask: MaskOf(SectionDataServer),
		},
		{
			ConfigID: 178, Name: "lock_main_thread", DataType: TypeBool,
			SectionMask: MaskOf(SectionDataServer),
		},
		{
			ConfigID: 200, Name: "min_free_mem_percent", DataType: TypeU32,
			SectionMask:  MaskOf(SectionDataServer),
			DefaultValue: 5,
			MinNdbVersion: 0x50119,
		},

		// Client / API parameters.
		{
			ConfigID: 300, Name: "max_scan_batch_size", DataType: TypeU32,
			SectionMask: MaskOf(SectionClient), DefaultValue: 262144,
		},

		// Cluster server parameters.
		{
			ConfigID: 400, Name: "port_number", DataType: TypeU16,
			SectionMask: MaskOf(SectionClusterServer), DefaultValue: 1186,
		},
		{
			ConfigID: 401, Name: "cluster_server_config_dir", DataType: TypeString,
			SectionMask: MaskOf(SectionClusterServer),
		},

		// SQL / replication / file / restore / cluster-manager node
		// parameters, one representative mandatory-adjacent field each.
		{
			ConfigID: 500, Name: "max_connections", DataType: TypeU32,
			SectionMask: MaskOf(SectionSqlServer), DefaultValue: 151,
		},
		{
			ConfigID: 600, Name: "replication_batch_size", DataType: TypeU32,
			SectionMask: MaskOf(SectionRepServer), DefaultValue: 1000,
		},
		{
			ConfigID: 700, Name: "file_server_root", DataType: TypeString,
			SectionMask: MaskOf(SectionFileServer),
		},
		{
			ConfigID: 800, Name: "restore_parallelism", DataType: TypeU32,
			SectionMask: MaskOf(SectionRestoreNode), DefaultValue: 1,
		},
		{
			ConfigID: 900, Name: "cluster_manager_poll_interval", DataType: TypeU32,
			SectionMask: MaskOf(SectionClusterMgr), DefaultValue: 1000,
		},

		// Communication-section parameters (§3 Communication Link).
		{
			ConfigID: 1100, Name: "send_buffer_size", DataType: TypeU32,
			SectionMask: MaskOf(SectionComm), DefaultValue: 2097152,
		},
		{
			ConfigID: 1101, Name: "receive_buffer_size", DataType: TypeU32,
			SectionMask: MaskOf(SectionComm), DefaultValue: 2097152,
		},
		{
			ConfigID: 1102, Name: "use_message_id", DataType: TypeBool,
			SectionMask: MaskOf(SectionComm),
		},
		{
			ConfigID: 1103, Name: "use_checksum", DataType: TypeBool,
			SectionMask: MaskOf(SectionComm),
		},
		{
			ConfigID: 1104, Name: "max_wait_in_nanos", DataType: TypeU64,
			SectionMask: MaskOf(SectionComm), DefaultValue: 250000,
		},
		{
			ConfigID: 1105, Name: "bind_address", DataType: TypeString,
			SectionMask: MaskOf(SectionComm),
		},

		// System-level, not-configurable example: always sent as its
		// default, per §3's invariant on is_not_configurable entries.
		{
			ConfigID: 1999, Name: "protocol_version", DataType: TypeU32,
			SectionMask: MaskOf(SectionSystem),
			IsNotConfigurable: true, DefaultValue: 1,
		},

		// Deprecated example: accepted on input, silently ignored.
		{
			ConfigID: 2999, Name: "old_heartbeat_order", DataType: TypeU32,
			SectionMask:  allNodeSections,
			IsDeprecated: true,
		},
	}

	return entries
}
