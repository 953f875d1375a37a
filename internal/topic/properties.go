package topic

import (
	"encoding/json"
	"maps"
	"reflect"
)

// Well-known property keys.
const (
	// PropPersistent marks a topic whose value the server saves through its
	// persistence collaborator. Persistent topics are also retained.
	PropPersistent = "persistent"

	// PropRetained keeps a topic (and its value) alive after its last
	// publisher goes away.
	PropRetained = "retained"

	// PropCached controls whether the server keeps the last value for late
	// subscribers. Defaults to true.
	PropCached = "cached"
)

// Properties is the string-keyed property set of a topic. Values are JSON
// compatible (bool, float64, string, nested maps/slices).
type Properties map[string]any

// Clone returns a shallow copy; a nil receiver yields an empty set.
func (p Properties) Clone() Properties {
	if p == nil {
		return Properties{}
	}
	return maps.Clone(p)
}

func (p Properties) flag(key string, def bool) bool {
	v, ok := p[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// Persistent reports the persistent flag.
func (p Properties) Persistent() bool { return p.flag(PropPersistent, false) }

// Retained reports whether the topic outlives its publishers.
func (p Properties) Retained() bool { return p.flag(PropRetained, false) || p.Persistent() }

// Cached reports whether the last value is kept for late subscribers.
func (p Properties) Cached() bool { return p.flag(PropCached, true) }

// Merge applies update to p in place and returns the keys that actually
// changed. A nil value in update deletes the key.
func (p Properties) Merge(update map[string]any) Properties {
	changed := Properties{}
	for k, v := range update {
		old, had := p[k]
		if v == nil {
			if had {
				delete(p, k)
				changed[k] = nil
			}
			continue
		}
		if had && reflect.DeepEqual(old, v) {
			continue
		}
		p[k] = v
		changed[k] = v
	}
	return changed
}

// MarshalJSON encodes nil as an empty object.
func (p Properties) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(p))
}

// ParseProperties decodes a JSON object.
func ParseProperties(data []byte) (Properties, error) {
	if len(data) == 0 {
		return Properties{}, nil
	}
	var p Properties
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p == nil {
		p = Properties{}
	}
	return p, nil
}
