// Package config loads instance settings from YAML or CUE files.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/nettable/internal/local"
	"github.com/roach88/nettable/internal/transport"
)

//go:embed schema.cue
var schemaCUE string

// Duration is a time.Duration written as a Go duration string ("100ms").
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.UnmarshalText([]byte(s))
}

// Reconnect controls client reconnect backoff.
type Reconnect struct {
	Min        Duration `yaml:"min" json:"min"`
	Max        Duration `yaml:"max" json:"max"`
	Multiplier float64  `yaml:"multiplier" json:"multiplier"`
}

// Server holds the server role settings.
type Server struct {
	Listen          string   `yaml:"listen" json:"listen"`
	Port            int      `yaml:"port" json:"port"`
	PersistFile     string   `yaml:"persist_file" json:"persist_file"`
	PersistInterval Duration `yaml:"persist_interval" json:"persist_interval"`
}

// Addr returns listen:port.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Listen, s.Port)
}

// Client holds the client role settings.
type Client struct {
	Identity string   `yaml:"identity" json:"identity"`
	Servers  []string `yaml:"servers" json:"servers"`
}

// Config is the full set of instance settings.
type Config struct {
	FlushInterval    Duration  `yaml:"flush_interval" json:"flush_interval"`
	Heartbeat        Duration  `yaml:"heartbeat" json:"heartbeat"`
	HeartbeatTimeout Duration  `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`
	WriteTimeout     Duration  `yaml:"write_timeout" json:"write_timeout"`
	MaxOutboundBytes int       `yaml:"max_outbound_bytes" json:"max_outbound_bytes"`
	MaxMessageBytes  int       `yaml:"max_message_bytes" json:"max_message_bytes"`
	MaxTopics        int       `yaml:"max_topics" json:"max_topics"`
	MaxHandles       int       `yaml:"max_handles" json:"max_handles"`
	PollStorage      int       `yaml:"poll_storage" json:"poll_storage"`
	EventCapacity    int       `yaml:"event_capacity" json:"event_capacity"`
	Reconnect        Reconnect `yaml:"reconnect" json:"reconnect"`
	Server           Server    `yaml:"server" json:"server"`
	Client           Client    `yaml:"client" json:"client"`
}

// DefaultPort is the port servers listen on unless configured otherwise.
const DefaultPort = 5810

// Default returns the settings used when no file is given.
func Default() Config {
	ts := transport.DefaultSettings()
	tc := local.DefaultConfig()
	return Config{
		FlushInterval:    Duration(20 * time.Millisecond),
		Heartbeat:        Duration(time.Second),
		HeartbeatTimeout: Duration(ts.ReadTimeout),
		WriteTimeout:     Duration(ts.WriteTimeout),
		MaxOutboundBytes: ts.MaxOutboundBytes,
		MaxMessageBytes:  int(ts.MaxMessageBytes),
		MaxHandles:       tc.MaxHandles,
		PollStorage:      tc.PollStorage,
		EventCapacity:    tc.EventCapacity,
		Reconnect: Reconnect{
			Min:        Duration(ts.ReconnectMin),
			Max:        Duration(ts.ReconnectMax),
			Multiplier: ts.ReconnectMultiplier,
		},
		Server: Server{
			Port:            DefaultPort,
			PersistInterval: Duration(time.Second),
		},
		Client: Client{
			Identity: "nettable",
		},
	}
}

// Validate reports every setting that cannot work.
func (c Config) Validate() error {
	var list []error
	positive := func(name string, d Duration) {
		if d <= 0 {
			list = append(list, fmt.Errorf("%s must be positive, got %s", name, d.D()))
		}
	}
	positive("flush_interval", c.FlushInterval)
	positive("heartbeat", c.Heartbeat)
	positive("heartbeat_timeout", c.HeartbeatTimeout)
	positive("write_timeout", c.WriteTimeout)
	positive("reconnect.min", c.Reconnect.Min)
	positive("server.persist_interval", c.Server.PersistInterval)

	if c.HeartbeatTimeout > 0 && c.HeartbeatTimeout <= c.Heartbeat {
		list = append(list, fmt.Errorf("heartbeat_timeout (%s) must exceed heartbeat (%s)", c.HeartbeatTimeout.D(), c.Heartbeat.D()))
	}
	if c.Reconnect.Max < c.Reconnect.Min {
		list = append(list, fmt.Errorf("reconnect.max (%s) is below reconnect.min (%s)", c.Reconnect.Max.D(), c.Reconnect.Min.D()))
	}
	if c.Reconnect.Multiplier < 1 {
		list = append(list, fmt.Errorf("reconnect.multiplier must be at least 1, got %g", c.Reconnect.Multiplier))
	}
	if c.MaxOutboundBytes <= 0 || c.MaxMessageBytes <= 0 {
		list = append(list, errors.New("max_outbound_bytes and max_message_bytes must be positive"))
	}
	if c.PollStorage <= 0 || c.EventCapacity <= 0 {
		list = append(list, errors.New("poll_storage and event_capacity must be positive"))
	}
	if c.MaxTopics < 0 || c.MaxHandles < 0 {
		list = append(list, errors.New("max_topics and max_handles cannot be negative"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		list = append(list, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	return errors.Join(list...)
}

// Transport returns the link settings the config describes.
func (c Config) Transport() *transport.Settings {
	s := transport.DefaultSettings()
	s.WriteTimeout = c.WriteTimeout.D()
	s.ReadTimeout = c.HeartbeatTimeout.D()
	s.PingInterval = c.Heartbeat.D()
	s.MaxOutboundBytes = c.MaxOutboundBytes
	s.MaxMessageBytes = int64(c.MaxMessageBytes)
	s.ReconnectMin = c.Reconnect.Min.D()
	s.ReconnectMax = c.Reconnect.Max.D()
	s.ReconnectMultiplier = c.Reconnect.Multiplier
	return s
}

// Table returns the handle table settings the config describes.
func (c Config) Table() local.Config {
	return local.Config{
		MaxHandles:    c.MaxHandles,
		EventCapacity: c.EventCapacity,
		PollStorage:   c.PollStorage,
	}
}

// Load reads path over the defaults, picking the decoder by extension, and
// validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = decodeYAML(data, &cfg)
	case ".cue":
		err = decodeCUE(path, data, &cfg)
	default:
		return Config{}, fmt.Errorf("config %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // Reject unknown fields
	if err := dec.Decode(cfg); err != nil {
		// an empty file leaves the defaults
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func decodeCUE(path string, data []byte, cfg *Config) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	file := ctx.CompileBytes(data, cue.Filename(path))
	if err := file.Err(); err != nil {
		return err
	}
	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(file)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return v.Decode(cfg)
}
