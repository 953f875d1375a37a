package nt

import (
	"github.com/roach88/nettable/internal/config"
	"github.com/roach88/nettable/internal/errs"
	"github.com/roach88/nettable/internal/handle"
	"github.com/roach88/nettable/internal/local"
	"github.com/roach88/nettable/internal/notify"
	"github.com/roach88/nettable/internal/topic"
	"github.com/roach88/nettable/internal/value"
)

// Handle identifies a publisher, subscriber, entry, or listener.
type Handle = handle.Handle

// Type is the declared value type of a topic.
type Type = value.Type

const (
	TypeUnassigned   = value.Unassigned
	TypeBoolean      = value.Boolean
	TypeDouble       = value.Double
	TypeInteger      = value.Integer
	TypeFloat        = value.Float
	TypeString       = value.String
	TypeRaw          = value.Raw
	TypeBooleanArray = value.BooleanArray
	TypeDoubleArray  = value.DoubleArray
	TypeIntegerArray = value.IntegerArray
	TypeFloatArray   = value.FloatArray
	TypeStringArray  = value.StringArray
)

// Value is a typed payload with its timestamps.
type Value = value.Value

// Properties is a topic's property set.
type Properties = topic.Properties

// PubOptions and SubOptions tune publishers and subscribers.
type (
	PubOptions = local.PubOptions
	SubOptions = local.SubOptions
)

// Update is one value read from a subscriber queue.
type Update = local.Update

// Event is one listener notification.
type Event = notify.Event

// EventKind selects listener events.
type EventKind = notify.Kind

const (
	EventPublish      = notify.KindPublish
	EventUnpublish    = notify.KindUnpublish
	EventProperties   = notify.KindProperties
	EventValueRemote  = notify.KindValueRemote
	EventValueLocal   = notify.KindValueLocal
	EventConnected    = notify.KindConnected
	EventDisconnected = notify.KindDisconnected
	EventTimeSync     = notify.KindTimeSync
	EventImmediate    = notify.KindImmediate
	EventTypeConflict = notify.KindTypeConflict

	MaskTopic      = notify.MaskTopic
	MaskValue      = notify.MaskValue
	MaskConnection = notify.MaskConnection
	MaskAll        = notify.MaskAll
)

// ConnectionInfo describes one live peer connection.
type ConnectionInfo = notify.ConnInfo

// Errors returned by instance operations; match with errors.Is.
var (
	ErrTypeConflict      = errs.ErrTypeConflict
	ErrUnknownHandle     = errs.ErrUnknownHandle
	ErrConnectionLost    = errs.ErrConnectionLost
	ErrProtocolViolation = errs.ErrProtocolViolation
	ErrResourceExhausted = errs.ErrResourceExhausted
	ErrClosed            = errs.ErrClosed
	ErrInvalidArgument   = errs.ErrInvalidArgument
)

// Topic refers to one topic of an Instance. The zero Topic is invalid.
type Topic struct {
	t *topic.Topic
}

// Name returns the topic name, or "" for the zero Topic.
func (t Topic) Name() string {
	if t.t == nil {
		return ""
	}
	return t.t.Name()
}

// ID returns the instance-assigned topic id.
func (t Topic) ID() int64 {
	if t.t == nil {
		return 0
	}
	return t.t.ID()
}

// Valid reports whether t refers to a topic.
func (t Topic) Valid() bool { return t.t != nil }

func (t Topic) get() (*topic.Topic, error) {
	if t.t == nil {
		return nil, errs.New(errs.CodeInvalidArgument, "zero Topic")
	}
	return t.t, nil
}

// Role is what an instance currently does on the network.
type Role int

const (
	RoleLocal Role = iota
	RoleServer
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleLocal:
		return "local"
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	}
	return "unknown"
}

// Config is the full set of instance settings.
type Config = config.Config

// DefaultConfig returns the settings New uses when none are given.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads settings from a .yaml, .yml, or .cue file.
func LoadConfig(path string) (Config, error) { return config.Load(path) }
