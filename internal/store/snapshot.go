package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/roach88/nettable/internal/topic"
	"github.com/roach88/nettable/internal/value"
)

// Snapshot is the saved state of one topic.
type Snapshot struct {
	Name       string
	Type       string
	Properties topic.Properties
	Value      value.Value
}

// Capture returns a snapshot of every persistent topic in dir, ordered by
// name.
func Capture(dir *topic.Directory) []Snapshot {
	var out []Snapshot
	for _, t := range dir.All() {
		info, v, _ := t.Snapshot()
		if !info.Properties.Persistent() || info.TypeString == "" {
			continue
		}
		out = append(out, Snapshot{
			Name:       info.Name,
			Type:       info.TypeString,
			Properties: info.Properties,
			Value:      v,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Save replaces the stored state with snaps in one transaction.
func (s *Store) Save(ctx context.Context, snaps []Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM topics`); err != nil {
		return fmt.Errorf("save: clear: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO topics (name, type, properties, value, time)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("save: prepare: %w", err)
	}
	defer stmt.Close()

	for _, snap := range snaps {
		props, err := json.Marshal(snap.Properties)
		if err != nil {
			return fmt.Errorf("save %q: properties: %w", snap.Name, err)
		}
		blob, err := encodeValue(snap.Value)
		if err != nil {
			return fmt.Errorf("save %q: value: %w", snap.Name, err)
		}
		if _, err := stmt.ExecContext(ctx, snap.Name, snap.Type, string(props), blob, snap.Value.Time()); err != nil {
			return fmt.Errorf("save %q: %w", snap.Name, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ('saved_at', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save: meta: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save: commit: %w", err)
	}
	return nil
}

// Load returns every stored snapshot ordered by name. Rows whose value no
// longer decodes as their declared type come back without a value.
func (s *Store) Load(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, type, properties, value, time
		FROM topics
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap  Snapshot
			props string
			blob  []byte
			ts    int64
		)
		if err := rows.Scan(&snap.Name, &snap.Type, &props, &blob, &ts); err != nil {
			return nil, fmt.Errorf("load: scan: %w", err)
		}
		if snap.Properties, err = topic.ParseProperties([]byte(props)); err != nil {
			return nil, fmt.Errorf("load %q: properties: %w", snap.Name, err)
		}
		if v, err := decodeValue(value.ParseType(snap.Type), blob, ts); err == nil {
			snap.Value = v
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return out, nil
}

func encodeValue(v value.Value) ([]byte, error) {
	if v.IsEmpty() {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := value.EncodePayload(msgpack.NewEncoder(&buf), v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeValue(typ value.Type, blob []byte, ts int64) (value.Value, error) {
	if len(blob) == 0 || typ == value.Unassigned {
		return value.Value{}, nil
	}
	d, err := value.DecodePayload(msgpack.NewDecoder(bytes.NewReader(blob)), typ)
	if err != nil {
		return value.Value{}, err
	}
	return value.New(d, ts).WithServerTime(ts), nil
}
