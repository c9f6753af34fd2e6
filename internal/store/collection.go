// Package store implements the durable, atomic JSON collections of spec
// §4.1: a mapping from collection name to an ordered sequence of records
// with dense monotonic ids. Mutators are not internally locked — spec
// §5 requires a single state mutex to own Store/PortAllocator/
// CredentialService/RejectSet as one composite, and that lock lives in
// internal/credential, not here. Collection assumes its caller already
// serializes access.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ownerOnlyFile and ownerOnlyDir match spec §4.1: "files are owner-rw
// only; directory is owner-rwx only".
const (
	ownerOnlyFile = 0o600
	ownerOnlyDir  = 0o700
)

// IDer constrains a pointer-to-T to expose the settable monotonic id
// every collection element needs. T itself stays a plain value type so
// collections marshal to JSON as arrays of objects, and callers get
// independent copies out of All/Filter/FindByID.
type IDer[T any] interface {
	*T
	GetID() int64
	SetID(int64)
}

// Collection is a generically-typed, file-backed sequence of records of
// value type T, addressed through the pointer constraint PT.
type Collection[T any, PT IDer[T]] struct {
	path    string
	records []T
	nextID  int64
}

// Load reads path into a new Collection. If the file is absent, the
// collection starts empty. If the file exists but fails to parse, spec
// §4.1 says "a corrupt or unparseable file is replaced with defaults and
// the event is recorded" — Load logs the corruption and starts empty
// rather than failing startup.
func Load[T any, PT IDer[T]](path string) (*Collection[T, PT], error) {
	c := &Collection[T, PT]{path: path, nextID: 1}

	if err := ensureOwnerOnlyDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("store: preparing data directory: %w", err)
	}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading %s: %w", path, err)
	}

	if err := correctFileMode(path); err != nil {
		slog.Warn("store: could not correct file permissions", "path", path, "err", err)
	}

	var records []T
	if err := json.Unmarshal(b, &records); err != nil {
		slog.Error("store: corrupt collection file, resetting to empty", "path", path, "err", err)
		return c, nil
	}

	c.records = records
	for i := range c.records {
		if id := PT(&c.records[i]).GetID(); id >= c.nextID {
			c.nextID = id + 1
		}
	}
	return c, nil
}

// save performs the atomic write of spec §4.1: write "<path>.tmp" then
// rename. On rename failure the tmp file is removed and the error
// propagates (StoreIO).
func (c *Collection[T, PT]) save() error {
	b, err := json.MarshalIndent(c.records, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshaling %s: %w", c.path, err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, b, ownerOnlyFile); err != nil {
		return fmt.Errorf("store: writing temp file for %s: %w", c.path, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: renaming temp file into place for %s: %w", c.path, err)
	}
	return nil
}

// Insert assigns a dense monotonic id (starting at 1 on an empty
// collection), appends the record, and flushes to disk.
func (c *Collection[T, PT]) Insert(rec T) (T, error) {
	PT(&rec).SetID(c.nextID)
	c.nextID++
	c.records = append(c.records, rec)
	if err := c.save(); err != nil {
		// Roll back the in-memory append so a failed flush never leaves
		// memory and disk disagreeing about what was persisted.
		c.records = c.records[:len(c.records)-1]
		c.nextID--
		var zero T
		return zero, err
	}
	return rec, nil
}

// Update applies patch to the record with the given id and flushes. It
// returns the updated record, or ok=false if no record has that id.
func (c *Collection[T, PT]) Update(id int64, patch func(*T)) (updated T, ok bool, err error) {
	for i := range c.records {
		if PT(&c.records[i]).GetID() != id {
			continue
		}
		before := c.records[i]
		patch(&c.records[i])
		if err := c.save(); err != nil {
			c.records[i] = before
			var zero T
			return zero, false, err
		}
		return c.records[i], true, nil
	}
	var zero T
	return zero, false, nil
}

// Delete removes the record with the given id and flushes.
func (c *Collection[T, PT]) Delete(id int64) (ok bool, err error) {
	for i := range c.records {
		if PT(&c.records[i]).GetID() != id {
			continue
		}
		removed := c.records[i]
		c.records = append(c.records[:i], c.records[i+1:]...)
		if err := c.save(); err != nil {
			c.records = append(c.records[:i], append([]T{removed}, c.records[i:]...)...)
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// FindByID returns the record with the given id, if any.
func (c *Collection[T, PT]) FindByID(id int64) (rec T, ok bool) {
	for i := range c.records {
		if PT(&c.records[i]).GetID() == id {
			return c.records[i], true
		}
	}
	var zero T
	return zero, false
}

// FindBy returns the first record for which pred returns true.
func (c *Collection[T, PT]) FindBy(pred func(T) bool) (rec T, ok bool) {
	for _, r := range c.records {
		if pred(r) {
			return r, true
		}
	}
	var zero T
	return zero, false
}

// Filter returns every record for which pred returns true, in storage
// order.
func (c *Collection[T, PT]) Filter(pred func(T) bool) []T {
	var out []T
	for _, r := range c.records {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// All returns every record in storage order. The returned slice is an
// independent copy.
func (c *Collection[T, PT]) All() []T {
	out := make([]T, len(c.records))
	copy(out, c.records)
	return out
}

func ensureOwnerOnlyDir(dir string) error {
	if err := os.MkdirAll(dir, ownerOnlyDir); err != nil {
		return err
	}
	return os.Chmod(dir, ownerOnlyDir)
}

func correctFileMode(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm() != ownerOnlyFile {
		return os.Chmod(path, ownerOnlyFile)
	}
	return nil
}
