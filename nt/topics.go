package nt

import (
	"github.com/roach88/nettable/internal/topic"
)

// GetTopic returns the topic called name, creating it if needed.
func (i *Instance) GetTopic(name string) (Topic, error) {
	t, err := i.tb.GetTopic(name)
	if err != nil {
		return Topic{}, err
	}
	return Topic{t: t}, nil
}

// Topics returns the live topics whose names start with prefix, ordered
// by id. An empty prefix returns all of them.
func (i *Instance) Topics(prefix string) []Topic {
	found := i.tb.Directory().Match([]string{topic.NormalizeName(prefix)})
	out := make([]Topic, len(found))
	for n, t := range found {
		out[n] = Topic{t: t}
	}
	return out
}

// GetTopicName returns the name of t.
func (i *Instance) GetTopicName(t Topic) string { return t.Name() }

// GetTopicType returns the declared type of t and its type string.
func (i *Instance) GetTopicType(t Topic) (Type, string) {
	if t.t == nil {
		return TypeUnassigned, ""
	}
	return t.t.Type()
}

// GetTopicExists reports whether t is published, locally or by a peer.
func (i *Instance) GetTopicExists(t Topic) bool {
	return t.t != nil && t.t.Published()
}

// GetTopicProperties returns a copy of t's properties.
func (i *Instance) GetTopicProperties(t Topic) Properties {
	if t.t == nil {
		return Properties{}
	}
	return t.t.Properties()
}

// SetTopicProperties merges update into t's properties; a nil value
// deletes a key. Peers see the change on the next flush.
func (i *Instance) SetTopicProperties(t Topic, update map[string]any) error {
	tp, err := t.get()
	if err != nil {
		return err
	}
	changed, err := i.tb.SetProperties(tp, update)
	if err != nil {
		return err
	}
	if _, ok := changed[topic.PropPersistent]; ok {
		i.mu.Lock()
		kick := i.persistNow
		i.mu.Unlock()
		if kick != nil {
			kick()
		}
	}
	return nil
}
