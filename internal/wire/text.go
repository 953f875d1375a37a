// Package wire defines the messages exchanged between a server and its
// clients and their encodings.
//
// Control messages travel in websocket text frames as a JSON array of
// {"method": ..., "params": {...}} objects. Values travel in binary frames
// as a sequence of msgpack arrays (see Frame).
package wire

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/roach88/nettable/internal/errs"
	"github.com/roach88/nettable/internal/topic"
)

const (
	// Subprotocol is the websocket subprotocol both sides must agree on.
	Subprotocol = "nettable.v1"
	// ProtocolVersion is sent in hello and reported in connection info.
	ProtocolVersion = "1.0"
)

// CheckVersion accepts a peer's hello version when its major number matches
// ProtocolVersion.
func CheckVersion(v string) error {
	major, _, _ := strings.Cut(v, ".")
	want, _, _ := strings.Cut(ProtocolVersion, ".")
	if major == "" || major != want {
		return errs.ProtocolViolation("protocol version %q, want %s.x", v, want)
	}
	return nil
}

// Method names a control message.
type Method string

const (
	MethodHello         Method = "hello"
	MethodPublish       Method = "publish"
	MethodUnpublish     Method = "unpublish"
	MethodSetProperties Method = "setproperties"
	MethodSubscribe     Method = "subscribe"
	MethodUnsubscribe   Method = "unsubscribe"
	MethodAnnounce      Method = "announce"
	MethodUnannounce    Method = "unannounce"
	MethodProperties    Method = "properties"
	MethodClose         Method = "close"
)

var knownMethods = map[Method]bool{
	MethodHello: true, MethodPublish: true, MethodUnpublish: true,
	MethodSetProperties: true, MethodSubscribe: true, MethodUnsubscribe: true,
	MethodAnnounce: true, MethodUnannounce: true, MethodProperties: true,
	MethodClose: true,
}

// Message is one control message.
type Message struct {
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Hello opens a session in both directions. The client sends its identity;
// the server answers with its id and the id it assigned the connection.
type Hello struct {
	Version  string `json:"version"`
	Identity string `json:"identity,omitempty"`
	ServerID string `json:"serverid,omitempty"`
	ConnID   string `json:"connid,omitempty"`
}

// Publish is sent by a client to register a publisher.
type Publish struct {
	Name       string           `json:"name"`
	PubUID     int64            `json:"pubuid"`
	Type       string           `json:"type"`
	Properties topic.Properties `json:"properties"`
}

// Unpublish releases a publisher registered with Publish.
type Unpublish struct {
	PubUID int64 `json:"pubuid"`
}

// SetProperties changes a topic's properties; a null value deletes a key.
type SetProperties struct {
	Name   string         `json:"name"`
	Update map[string]any `json:"update"`
}

// SubscribeOptions mirrors the subscriber delivery options.
type SubscribeOptions struct {
	All            bool `json:"all,omitempty"`
	KeepDuplicates bool `json:"keepduplicates,omitempty"`
	TopicsOnly     bool `json:"topicsonly,omitempty"`
	Prefix         bool `json:"prefix,omitempty"`
}

// Subscribe is sent by a client to register a subscription.
type Subscribe struct {
	Topics  []string         `json:"topics"`
	SubUID  int64            `json:"subuid"`
	Options SubscribeOptions `json:"options"`
}

// Unsubscribe releases a subscription registered with Subscribe.
type Unsubscribe struct {
	SubUID int64 `json:"subuid"`
}

// Announce is sent by the server when a topic the client is interested in
// is published. PubUID is set when it acknowledges the client's own
// publish.
type Announce struct {
	Name       string           `json:"name"`
	ID         int64            `json:"id"`
	Type       string           `json:"type"`
	PubUID     *int64           `json:"pubuid,omitempty"`
	Properties topic.Properties `json:"properties"`
}

// Unannounce is sent by the server when a topic is unpublished.
type Unannounce struct {
	Name string `json:"name"`
	ID   int64  `json:"id"`
}

// Properties is sent by the server when a topic's properties change. Ack
// is set when answering the client's own SetProperties.
type Properties struct {
	Name   string         `json:"name"`
	Ack    bool           `json:"ack,omitempty"`
	Update map[string]any `json:"update"`
}

// Close announces an orderly shutdown of the session.
type Close struct {
	Reason string `json:"reason,omitempty"`
}

// NewMessage encodes params under method.
func NewMessage(method Method, params any) (Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Message{}, err
	}
	return Message{Method: method, Params: raw}, nil
}

// MustMessage is NewMessage for param types that always marshal.
func MustMessage(method Method, params any) Message {
	m, err := NewMessage(method, params)
	if err != nil {
		panic(err)
	}
	return m
}

// Decode unmarshals the params into into. Malformed params are a
// PROTOCOL_VIOLATION.
func (m Message) Decode(into any) error {
	if len(m.Params) == 0 {
		return errs.ProtocolViolation("%s: missing params", m.Method)
	}
	if err := json.Unmarshal(m.Params, into); err != nil {
		return errs.Wrap(errs.CodeProtocolViolation, err, "%s: bad params", m.Method)
	}
	return nil
}

// EncodeText encodes a batch of control messages as one text frame.
func EncodeText(msgs []Message) ([]byte, error) {
	return json.Marshal(msgs)
}

// DecodeText decodes a text frame. Anything other than a JSON array of
// messages with known methods is a PROTOCOL_VIOLATION.
func DecodeText(data []byte) ([]Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '[' {
		return nil, errs.ProtocolViolation("text frame is not a JSON array")
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, errs.Wrap(errs.CodeProtocolViolation, err, "decode text frame")
	}
	for i, m := range msgs {
		if !knownMethods[m.Method] {
			return nil, errs.ProtocolViolation("message %d: unknown method %q", i, m.Method)
		}
	}
	return msgs, nil
}
