package nt

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/roach88/nettable/internal/local"
	"github.com/roach88/nettable/internal/store"
	"github.com/roach88/nettable/internal/value"
)

// persister saves the persistent topics of a server to its store.
type persister struct {
	st   *store.Store
	tb   *local.Table
	log  *slog.Logger
	last []store.Snapshot
}

func openPersister(path string, tb *local.Table) (*persister, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	return &persister{
		st:  st,
		tb:  tb,
		log: slog.With("component", "persist", "path", st.Path()),
	}, nil
}

// load seeds the table with every stored topic. Topics already present
// keep their current state.
func (p *persister) load(ctx context.Context) error {
	snaps, err := p.st.Load(ctx)
	if err != nil {
		return err
	}
	restored := 0
	for _, snap := range snaps {
		if _, exists := p.tb.Directory().Lookup(snap.Name); exists {
			continue
		}
		t, err := p.tb.Acquire(snap.Name)
		if err != nil {
			return err
		}
		t.Restore(value.ParseType(snap.Type), snap.Type, snap.Properties, snap.Value)
		p.tb.Release(t)
		restored++
	}
	savedAt, err := p.st.Meta(ctx, "saved_at")
	if err != nil {
		return err
	}
	p.last = snaps
	p.log.Info("restored persistent topics", "count", restored, "saved_at", savedAt)
	return nil
}

// save writes the current persistent topics if they changed since the
// last save.
func (p *persister) save(ctx context.Context) error {
	snaps := store.Capture(p.tb.Directory())
	if reflect.DeepEqual(snaps, p.last) {
		return nil
	}
	if err := p.st.Save(ctx, snaps); err != nil {
		p.log.Error("persist failed", "error", err)
		return err
	}
	p.last = snaps
	p.log.Debug("persisted topics", "count", len(snaps))
	return nil
}

func (p *persister) close() error {
	return p.st.Close()
}
