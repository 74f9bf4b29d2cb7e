// Package griderrs holds the sentinel error kinds shared across gridctl:
// mem-alloc, I/O, protocol, config, node-down, peer-declined, timeout,
// consistency, child-process, and filesystem errors. Packages wrap one
// of these sentinels with fmt.Errorf("...: %w", ...) so callers can
// classify an error with errors.Is while keeping a human message.
package griderrs

import "errors"

// Kind classifies an error per the propagation policy.
type Kind int

const (
	KindUnknown Kind = iota
	KindMemAlloc
	KindIO
	KindProtocol
	KindConfig
	KindNodeDown
	KindPeerDeclined
	KindTimeout
	KindConsistency
	KindChildProcess
	KindFilesystem
)

func (k Kind) String() string {
	switch k {
	case KindMemAlloc:
		return "mem-alloc"
	case KindIO:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindConfig:
		return "config"
	case KindNodeDown:
		return "node-down"
	case KindPeerDeclined:
		return "peer-declined"
	case KindTimeout:
		return "timeout"
	case KindConsistency:
		return "consistency"
	case KindChildProcess:
		return "child-process"
	case KindFilesystem:
		return "filesystem"
	default:
		return "unknown"
	}
}

// Sentinel errors. Wrap with fmt.Errorf("context: %w", ErrProtocol) and
// classify later with errors.Is(err, griderrs.ErrProtocol) or KindOf.
var (
	ErrMemAlloc      = errors.New("memory allocation failed")
	ErrIO            = errors.New("i/o error")
	ErrProtocol      = errors.New("protocol error")
	ErrConfig        = errors.New("configuration error")
	ErrNodeDown      = errors.New("node down")
	ErrPeerDeclined  = errors.New("peer declined request")
	ErrTimeout       = errors.New("timed out")
	ErrConsistency   = errors.New("consistency check failed")
	ErrChildProcess  = errors.New("child process error")
	ErrFilesystem    = errors.New("filesystem error")
)

var sentinelKind = map[error]Kind{
	ErrMemAlloc:     KindMemAlloc,
	ErrIO:           KindIO,
	ErrProtocol:     KindProtocol,
	ErrConfig:       KindConfig,
	ErrNodeDown:     KindNodeDown,
	ErrPeerDeclined: KindPeerDeclined,
	ErrTimeout:      KindTimeout,
	ErrConsistency:  KindConsistency,
	ErrChildProcess: KindChildProcess,
	ErrFilesystem:   KindFilesystem,
}

// KindOf returns the Kind of the first sentinel in err's chain that this
// package defines, or KindUnknown if none match.
func KindOf(err error) Kind {
	for sentinel, kind := range sentinelKind {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}
