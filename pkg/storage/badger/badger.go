// Package badger implements the jingle datastore on an embedded BadgerDB key-value store.
package badger

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/logger"
	"github.com/jinglear/jingle/pkg/storage"
)

const Engine = "badger"

// Key layout, segments joined by a NUL byte:
//
//	e {id}                      -> JSON entity
//	r {start} {relType} {end}   -> JSON relationship record (forward index)
//	ri {end} {relType} {start}  -> empty (reverse index)
const sep = 0x00

var tracer = otel.Tracer("jingle/pkg/storage/badger")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "badger."+name)
}

type record struct {
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Options configures the badger datastore.
type Options struct {
	// Dir holds the data files. Required unless InMemory is set.
	Dir      string
	InMemory bool
	Logger   logger.Logger
}

// Datastore provides a BadgerDB based implementation of [storage.Datastore].
type Datastore struct {
	db  *badgerdb.DB
	now func() time.Time
}

var _ storage.Datastore = (*Datastore)(nil)

// New opens the badger database described by opts.
func New(opts Options) (*Datastore, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badger: Dir is required for on-disk mode")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNoopLogger()
	}

	dbOpts := badgerdb.DefaultOptions(opts.Dir).WithLogger(badgerLogger{opts.Logger})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badgerdb.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Datastore{db: db, now: time.Now}, nil
}

func key(segments ...string) []byte {
	return []byte(strings.Join(segments, string(rune(sep))))
}

// prefix returns the key of segments followed by a separator so "j1" does not match "j10".
func prefix(segments ...string) []byte {
	return append(key(segments...), sep)
}

func entityKey(id string) []byte {
	return key("e", id)
}

func forwardKey(startID, relType, endID string) []byte {
	return key("r", startID, relType, endID)
}

func reverseKey(endID, relType, startID string) []byte {
	return key("ri", endID, relType, startID)
}

func validateSegments(segments ...string) error {
	for _, s := range segments {
		if strings.IndexByte(s, sep) >= 0 {
			return fmt.Errorf("%w: %q contains a NUL byte", storage.ErrInvalidEntity, s)
		}
	}
	return nil
}

func getJSON(txn *badgerdb.Txn, k []byte, v any) error {
	item, err := txn.Get(k)
	if err != nil {
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func exists(txn *badgerdb.Txn, k []byte) (bool, error) {
	_, err := txn.Get(k)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badgerdb.ErrKeyNotFound):
		return false, nil
	}
	return false, err
}

// ReadEntity see [storage.GraphReader].ReadEntity.
func (s *Datastore) ReadEntity(ctx context.Context, id string) (entity.Entity, error) {
	_, span := startTrace(ctx, "ReadEntity")
	defer span.End()

	if err := validateSegments(id); err != nil {
		return entity.Entity{}, err
	}

	var e entity.Entity
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return getJSON(txn, entityKey(id), &e)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return entity.Entity{}, storage.EntityNotFoundError(id)
	}
	return e, err
}

func (s *Datastore) related(txn *badgerdb.Txn, filter storage.RelatedFilter) ([]entity.Entity, error) {
	index := "r"
	if filter.Direction == storage.Incoming {
		index = "ri"
	}
	p := prefix(index, filter.EntityID)
	if filter.RelType != "" {
		p = prefix(index, filter.EntityID, filter.RelType)
	}

	var relationships []storage.Relationship
	it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: p})
	defer it.Close()
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		parts := bytes.Split(it.Item().Key(), []byte{sep})
		if len(parts) != 4 {
			continue
		}
		r := storage.Relationship{RelType: string(parts[2])}
		if filter.Direction == storage.Incoming {
			r.EndID, r.StartID = string(parts[1]), string(parts[3])
		} else {
			r.StartID, r.EndID = string(parts[1]), string(parts[3])
		}
		relationships = append(relationships, r)
	}

	related := make([]entity.Entity, 0, len(relationships))
	for _, r := range relationships {
		var rec record
		if err := getJSON(txn, forwardKey(r.StartID, r.RelType, r.EndID), &rec); err != nil {
			return nil, fmt.Errorf("read relationship %s (%s -> %s): %w", r.RelType, r.StartID, r.EndID, err)
		}
		r.Properties, r.CreatedAt = rec.Properties, rec.CreatedAt

		var e entity.Entity
		err := getJSON(txn, entityKey(filter.Other(r)), &e)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.TargetType != "" && e.Kind != filter.TargetType {
			continue
		}
		related = append(related, storage.Decorate(e, r))
	}

	slices.SortStableFunc(related, func(a, b entity.Entity) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return related, nil
}

// ReadRelated see [storage.GraphReader].ReadRelated.
func (s *Datastore) ReadRelated(ctx context.Context, filter storage.RelatedFilter) ([]entity.Entity, error) {
	_, span := startTrace(ctx, "ReadRelated")
	defer span.End()
	span.SetAttributes(attribute.String("filter", filter.String()))

	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if err := validateSegments(filter.EntityID, filter.RelType); err != nil {
		return nil, err
	}

	var related []entity.Entity
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		related, err = s.related(txn, filter)
		return err
	})
	return related, err
}

// CountRelated see [storage.GraphReader].CountRelated.
func (s *Datastore) CountRelated(ctx context.Context, filter storage.RelatedFilter) (int, error) {
	related, err := s.ReadRelated(ctx, filter)
	return len(related), err
}

// WriteEntities see [storage.GraphWriter].WriteEntities.
func (s *Datastore) WriteEntities(ctx context.Context, entities []entity.Entity) error {
	_, span := startTrace(ctx, "WriteEntities")
	defer span.End()

	now := s.now()
	return s.db.Update(func(txn *badgerdb.Txn) error {
		for _, e := range entities {
			if err := e.Validate(); err != nil {
				return fmt.Errorf("%w: %s", storage.ErrInvalidEntity, err.Error())
			}
			if err := validateSegments(e.ID); err != nil {
				return err
			}
			e.Edge = nil
			if e.CreatedAt.IsZero() {
				e.CreatedAt = now
			}
			val, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encode entity %s: %w", e.ID, err)
			}
			if err := txn.Set(entityKey(e.ID), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteRelationships see [storage.GraphWriter].WriteRelationships.
func (s *Datastore) WriteRelationships(ctx context.Context, relationships []storage.Relationship) error {
	_, span := startTrace(ctx, "WriteRelationships")
	defer span.End()

	now := s.now()
	return s.db.Update(func(txn *badgerdb.Txn) error {
		for _, r := range relationships {
			if err := r.Validate(); err != nil {
				return err
			}
			if err := validateSegments(r.RelType, r.StartID, r.EndID); err != nil {
				return err
			}
			for _, id := range []string{r.StartID, r.EndID} {
				ok, err := exists(txn, entityKey(id))
				if err != nil {
					return err
				}
				if !ok {
					return storage.InvalidRelationshipError(r, "unknown endpoint "+id)
				}
			}

			fwd := forwardKey(r.StartID, r.RelType, r.EndID)
			// writes of this transaction are visible to its own reads
			dup, err := exists(txn, fwd)
			if err != nil {
				return err
			}
			if dup {
				return fmt.Errorf("relationship %s (%s -> %s): %w", r.RelType, r.StartID, r.EndID, storage.ErrCollision)
			}

			rec := record{Properties: r.Properties, CreatedAt: r.CreatedAt}
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = now
			}
			val, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := txn.Set(fwd, val); err != nil {
				return err
			}
			if err := txn.Set(reverseKey(r.EndID, r.RelType, r.StartID), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateRelationshipProperties see [storage.GraphWriter].UpdateRelationshipProperties.
func (s *Datastore) UpdateRelationshipProperties(ctx context.Context, updates []storage.RelationshipUpdate) error {
	_, span := startTrace(ctx, "UpdateRelationshipProperties")
	defer span.End()

	return s.db.Update(func(txn *badgerdb.Txn) error {
		for _, u := range updates {
			if err := validateSegments(u.RelType, u.StartID, u.EndID); err != nil {
				return err
			}
			k := forwardKey(u.StartID, u.RelType, u.EndID)

			var rec record
			if err := getJSON(txn, k, &rec); err != nil {
				return fmt.Errorf("relationship %s (%s -> %s): %w", u.RelType, u.StartID, u.EndID, err)
			}
			rec.Properties = storage.ApplyUpdate(rec.Properties, u.Properties)

			val, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := txn.Set(k, val); err != nil {
				return err
			}
		}
		return nil
	})
}

// IsReady see [storage.Datastore].IsReady.
func (s *Datastore) IsReady(context.Context) (storage.ReadinessStatus, error) {
	if s.db.IsClosed() {
		return storage.ReadinessStatus{Message: "badger database is closed"}, nil
	}
	return storage.ReadinessStatus{IsReady: true}, nil
}

// Close see [storage.Datastore].Close.
func (s *Datastore) Close() {
	_ = s.db.Close()
}

// badgerLogger forwards badger's logging to a logger.Logger, demoting its info output to debug.
type badgerLogger struct {
	logger logger.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error("badger: " + strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn("badger: " + strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Debug("badger: " + strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debug("badger: " + strings.TrimSpace(fmt.Sprintf(f, v...)))
}
