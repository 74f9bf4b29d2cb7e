/*
Package log provides structured logging for gridctl using zerolog.

It wraps zerolog to give every gridctl process (cluster server,
process controller, data-API client) one global logger, a console or
JSON writer selectable at startup, and a small set of child-logger
helpers for the identifiers this domain actually carries: grid id,
cluster id, node id, and send/receive peer address.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	log.Info("cluster server listening")

	peerLog := log.WithPeerAddr("10.0.0.4:1186")
	peerLog.Warn().Msg("adaptive send backing off")

	clusterLog := log.WithClusterID("prod")
	clusterLog.Error().Err(err).Msg("atomic rewrite aborted: racing writer")
*/
package log
