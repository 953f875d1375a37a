package notify

import (
	"github.com/roach88/nettable/internal/handle"
	"github.com/roach88/nettable/internal/topic"
	"github.com/roach88/nettable/internal/value"
)

// Kind classifies an Event. Kinds are bits so listeners can subscribe to
// several at once with a Mask.
type Kind uint16

const (
	// KindPublish fires when a topic becomes published (topic-created).
	KindPublish Kind = 1 << iota
	// KindUnpublish fires when a topic loses its last publisher (topic-removed).
	KindUnpublish
	// KindProperties fires when a topic's properties change.
	KindProperties
	// KindValueRemote fires for values that arrived from a peer.
	KindValueRemote
	// KindValueLocal fires for values written in this process.
	KindValueLocal
	// KindConnected fires when a peer link completes its handshake.
	KindConnected
	// KindDisconnected fires when a peer link closes.
	KindDisconnected
	// KindTimeSync fires when the client's server time offset changes.
	KindTimeSync
	// KindImmediate asks for a synthetic event describing the current
	// state when the listener is added.
	KindImmediate
	// KindTypeConflict fires when the server declares a topic with a type
	// other than the one local publishers use. Their writes fail until the
	// declarations agree.
	KindTypeConflict
)

// Convenience masks.
const (
	MaskTopic      = KindPublish | KindUnpublish | KindProperties | KindTypeConflict
	MaskValue      = KindValueRemote | KindValueLocal
	MaskConnection = KindConnected | KindDisconnected
	MaskAll        = MaskTopic | MaskValue | MaskConnection | KindTimeSync
)

// Has reports whether k contains any bit of other.
func (k Kind) Has(other Kind) bool { return k&other != 0 }

func (k Kind) String() string {
	switch k {
	case KindPublish:
		return "publish"
	case KindUnpublish:
		return "unpublish"
	case KindProperties:
		return "properties"
	case KindValueRemote:
		return "value-remote"
	case KindValueLocal:
		return "value-local"
	case KindConnected:
		return "connected"
	case KindDisconnected:
		return "disconnected"
	case KindTimeSync:
		return "time-sync"
	case KindImmediate:
		return "immediate"
	case KindTypeConflict:
		return "type-conflict"
	}
	return "mixed"
}

// ConnInfo describes one peer link.
type ConnInfo struct {
	// ID is the engine-assigned connection id.
	ID string
	// RemoteID is the identity string the peer presented.
	RemoteID string
	// Addr is the peer's network address.
	Addr string
	// ProtocolVersion is the negotiated protocol version.
	ProtocolVersion string
	// Since is when the handshake completed (local microseconds).
	Since int64
}

// Event is one notification delivered to a listener.
type Event struct {
	// Listener is the handle of the listener that matched.
	Listener handle.Handle
	// Kind is the single kind bit that fired.
	Kind Kind
	// Topic is set for topic and value events.
	Topic topic.Info
	// Value and Seq are set for value events.
	Value value.Value
	Seq   uint64
	// Conn is set for connection events.
	Conn *ConnInfo
	// Offset is set for time sync events (server minus local, microseconds).
	Offset int64
}
