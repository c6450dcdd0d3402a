// Package search carries the metadata side of map mutations: when an
// attribute extractor is registered, every visible change (put, remove,
// replace, clear, expire, evict) produces a Record that is handed to a Sink
// before the mutation completes.
//
// Attribute types are inferred from the first value seen for each attribute
// name and enforced afterwards. A value of another type fails the mutation
// with ErrSchemaConflict; it is never coerced.
package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSchemaConflict is returned when an attribute changes type.
	ErrSchemaConflict = errors.New("search schema conflict")
	// ErrUnsupportedAttribute is returned for attribute values of no known type.
	ErrUnsupportedAttribute = errors.New("unsupported attribute type")
)

// Command names the mutation a record describes.
type Command string

const (
	CommandPut                Command = "PUT"
	CommandPutIfAbsent        Command = "PUT_IF_ABSENT"
	CommandRemove             Command = "REMOVE"
	CommandRemoveIfValueEqual Command = "REMOVE_IF_VALUE_EQUAL"
	CommandReplace            Command = "REPLACE"
	CommandClear              Command = "CLEAR"
	CommandExpire             Command = "EXPIRE"
	CommandEvict              Command = "EVICT"
)

// carriesValue reports whether the command stores a value to extract from.
func (c Command) carriesValue() bool {
	return c == CommandPut || c == CommandPutIfAbsent || c == CommandReplace
}

// Record is one metadata update. Key is nil for CLEAR.
type Record struct {
	Command       Command
	CacheName     string
	Key           any
	ValueIdentity uuid.UUID
	Attributes    map[string]any
}

// Extractor computes the searchable attributes of an entry. Returning false
// marks the entry as not indexed.
type Extractor interface {
	AttributesFor(key any, value []byte) (map[string]any, bool)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(key any, value []byte) (map[string]any, bool)

func (f ExtractorFunc) AttributesFor(key any, value []byte) (map[string]any, bool) {
	return f(key, value)
}

// Sink receives metadata records.
type Sink interface {
	Accept(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

func (f SinkFunc) Accept(ctx context.Context, rec Record) error { return f(ctx, rec) }

// MemorySink keeps every record it receives.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func (s *MemorySink) Accept(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of the received records.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Kind is the resolved type of an attribute.
type Kind string

const (
	KindString Kind = "string"
	KindBool   Kind = "bool"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindDate   Kind = "date"
	KindBytes  Kind = "bytes"
)

// KindOf resolves the attribute type of v.
func KindOf(v any) (Kind, error) {
	switch v.(type) {
	case string:
		return KindString, nil
	case bool:
		return KindBool, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return KindInt, nil
	case float32, float64:
		return KindFloat, nil
	case time.Time:
		return KindDate, nil
	case []byte:
		return KindBytes, nil
	}
	return "", fmt.Errorf("%w: %T", ErrUnsupportedAttribute, v)
}

// Schema remembers the type of every attribute name seen so far.
type Schema struct {
	mu    sync.Mutex
	kinds map[string]Kind
}

func NewSchema() *Schema {
	return &Schema{kinds: make(map[string]Kind)}
}

// Check validates attrs against the schema without recording anything.
func (s *Schema) Check(attrs map[string]any) error {
	resolved, err := resolve(attrs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conflict(resolved)
}

// Record fixes the type of every attribute name not seen before. Names
// already known keep their type.
func (s *Schema) Record(attrs map[string]any) {
	resolved, err := resolve(attrs)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, k := range resolved {
		if _, ok := s.kinds[name]; !ok {
			s.kinds[name] = k
		}
	}
}

func resolve(attrs map[string]any) (map[string]Kind, error) {
	resolved := make(map[string]Kind, len(attrs))
	for name, v := range attrs {
		k, err := KindOf(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		resolved[name] = k
	}
	return resolved, nil
}

func (s *Schema) conflict(resolved map[string]Kind) error {
	for name, k := range resolved {
		if have, ok := s.kinds[name]; ok && have != k {
			return fmt.Errorf("%w: attribute %q is %s, got %s", ErrSchemaConflict, name, have, k)
		}
	}
	return nil
}

// Kind returns the recorded type of name.
func (s *Schema) Kind(name string) (Kind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.kinds[name]
	return k, ok
}

// Indexer ties an extractor, a schema and a sink to one map.
// A nil *Indexer is valid and does nothing.
type Indexer struct {
	cacheName string
	mu        sync.RWMutex
	extractor Extractor
	schema    *Schema
	sink      Sink
}

// NewIndexer returns nil when no extractor is registered.
func NewIndexer(cacheName string, extractor Extractor, sink Sink) *Indexer {
	if extractor == nil || sink == nil {
		return nil
	}
	return &Indexer{cacheName: cacheName, extractor: extractor, schema: NewSchema(), sink: sink}
}

// SetExtractor swaps the extractor, keeping the schema. Used on rejoin.
func (ix *Indexer) SetExtractor(e Extractor) {
	if ix == nil || e == nil {
		return
	}
	ix.mu.Lock()
	ix.extractor = e
	ix.mu.Unlock()
}

// Prepare computes the record for a mutation without publishing it.
// It returns (nil, nil) when there is nothing to index. A schema conflict is
// reported here, before the caller touches map state. Prepare records
// nothing; attribute types are fixed by Publish once the value is stored.
func (ix *Indexer) Prepare(cmd Command, key any, value []byte, identity uuid.UUID) (*Record, error) {
	if ix == nil {
		return nil, nil
	}
	rec := &Record{Command: cmd, CacheName: ix.cacheName, Key: key, ValueIdentity: identity}
	if !cmd.carriesValue() {
		return rec, nil
	}
	ix.mu.RLock()
	extractor := ix.extractor
	ix.mu.RUnlock()
	attrs, ok := extractor.AttributesFor(key, value)
	if !ok {
		return nil, nil
	}
	if err := ix.schema.Check(attrs); err != nil {
		return nil, err
	}
	rec.Attributes = attrs
	return rec, nil
}

// Publish records the attribute types of a stored value and hands the
// record to the sink. Callers publish only after the write has been applied.
func (ix *Indexer) Publish(ctx context.Context, rec *Record) error {
	if ix == nil || rec == nil {
		return nil
	}
	if rec.Attributes != nil {
		ix.schema.Record(rec.Attributes)
	}
	return ix.sink.Accept(ctx, *rec)
}
