// Package store provides a versioned key-value document store with memory,
// Redis and Postgres backends.
//
// Every document lives in a logical table and carries a version that starts
// at 1 and increases on each write. Writes go through Apply, which executes a
// batch of operations all-or-nothing and rejects the whole batch when any
// expected version does not match.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("store: document not found")
	// ErrConflict is returned when an expected version does not match.
	ErrConflict = errors.New("store: version conflict")
	// ErrDuplicateKey is returned when a batch touches the same document twice.
	ErrDuplicateKey = errors.New("store: duplicate key in batch")
)

const (
	// AnyVersion skips the version check.
	AnyVersion int64 = -1
	// MustNotExist requires the document to be absent.
	MustNotExist int64 = 0
)

// KeySeparator joins composite keys such as "appID|origin".
const KeySeparator = "|"

// Item is a stored document.
type Item struct {
	Key     string
	Value   []byte
	Version int64
}

// Op is a single write in a batch.
//
// For puts, ExpectVersion is AnyVersion, MustNotExist or the current version.
// For deletes, only a positive ExpectVersion is checked; deleting a missing
// document without a version check is a no-op.
type Op struct {
	Table         string
	Key           string
	Value         []byte
	Delete        bool
	ExpectVersion int64
}

// Store is the document store contract shared by all backends.
type Store interface {
	Get(ctx context.Context, table, key string) (Item, error)
	// List returns the documents of a table whose key starts with prefix,
	// ordered by key.
	List(ctx context.Context, table, prefix string) ([]Item, error)
	Apply(ctx context.Context, ops ...Op) error
	Close() error
}

// Put builds a put operation.
func Put(table, key string, value []byte, expectVersion int64) Op {
	return Op{Table: table, Key: key, Value: value, ExpectVersion: expectVersion}
}

// Delete builds a delete operation.
func Delete(table, key string, expectVersion int64) Op {
	return Op{Table: table, Key: key, Delete: true, ExpectVersion: expectVersion}
}

// PutJSON marshals v and builds a put operation.
func PutJSON(table, key string, v any, expectVersion int64) (Op, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Op{}, fmt.Errorf("marshal %s/%s: %w", table, key, err)
	}
	return Put(table, key, data, expectVersion), nil
}

// GetJSON loads a document and unmarshals it into T.
func GetJSON[T any](ctx context.Context, s Store, table, key string) (T, int64, error) {
	var v T
	item, err := s.Get(ctx, table, key)
	if err != nil {
		return v, 0, err
	}
	if err := json.Unmarshal(item.Value, &v); err != nil {
		return v, 0, fmt.Errorf("unmarshal %s/%s: %w", table, key, err)
	}
	return v, item.Version, nil
}

// ListJSON loads all documents under prefix and unmarshals them into T.
func ListJSON[T any](ctx context.Context, s Store, table, prefix string) ([]T, error) {
	items, err := s.List(ctx, table, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		var v T
		if err := json.Unmarshal(item.Value, &v); err != nil {
			return nil, fmt.Errorf("unmarshal %s/%s: %w", table, item.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// CompositeKey joins key parts with KeySeparator.
func CompositeKey(parts ...string) string {
	return strings.Join(parts, KeySeparator)
}

// Prefix returns the list prefix that matches every composite key starting
// with the given parts.
func Prefix(parts ...string) string {
	return CompositeKey(parts...) + KeySeparator
}

func checkBatch(ops []Op) error {
	seen := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		if op.Table == "" || op.Key == "" {
			return fmt.Errorf("store: table and key are required")
		}
		id := op.Table + "\x00" + op.Key
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateKey, op.Table, op.Key)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// versionMatches reports whether an op may proceed given the current version
// of its document (0 when absent).
func versionMatches(op Op, current int64) bool {
	if op.Delete {
		return op.ExpectVersion <= 0 || op.ExpectVersion == current
	}
	switch op.ExpectVersion {
	case AnyVersion:
		return true
	case MustNotExist:
		return current == 0
	default:
		return op.ExpectVersion == current
	}
}
