package content

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/keithlinneman/capserve/internal/kvstore"
)

// Key layout in the substrate.
const (
	contentPrefix = "content/"
	packagePrefix = "package/"
	IndexKey      = "retention-index"
)

func contentKey(pkg, file string) string { return contentPrefix + pkg + "/" + file }
func packageKey(pkg string) string       { return packagePrefix + pkg }

// itemRecord is the stored form of an Item. Data is a byte slice so
// binary files survive JSON encoding.
type itemRecord struct {
	MediaType string `json:"mediaType"`
	Data      []byte `json:"data"`
}

// Store is the typed view of the key-value substrate. The retention index
// read-modify-write cycle is serialized by indexMu.
type Store struct {
	kv      kvstore.Store
	indexMu sync.Mutex
}

func NewStore(kv kvstore.Store) *Store {
	return &Store{kv: kv}
}

func storeErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Key: key, Err: err}
}

// PutContent writes one item.
func (s *Store) PutContent(ctx context.Context, it Item) error {
	key := contentKey(it.PackageID, it.File)
	data, err := json.Marshal(itemRecord{MediaType: it.MediaType, Data: []byte(it.Text)})
	if err != nil {
		return storeErr("encode", key, err)
	}
	return storeErr("set", key, s.kv.Set(ctx, key, data))
}

// GetContent returns ErrNotFound when the item does not exist.
func (s *Store) GetContent(ctx context.Context, pkg, file string) (Item, error) {
	key := contentKey(pkg, file)
	data, err := s.kv.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, storeErr("get", key, err)
	}
	var rec itemRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Item{}, storeErr("decode", key, err)
	}
	return Item{PackageID: pkg, File: file, MediaType: rec.MediaType, Text: string(rec.Data)}, nil
}

// DeleteContent removes the named items of a package.
func (s *Store) DeleteContent(ctx context.Context, pkg string, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	keys := make([]string, len(files))
	for i, f := range files {
		keys[i] = contentKey(pkg, f)
	}
	return storeErr("delete", contentPrefix+pkg, s.kv.Delete(ctx, keys...))
}

func (s *Store) PutPackage(ctx context.Context, p *Package) error {
	key := packageKey(p.ID)
	data, err := json.Marshal(p)
	if err != nil {
		return storeErr("encode", key, err)
	}
	return storeErr("set", key, s.kv.Set(ctx, key, data))
}

// GetPackage returns ErrNotFound when no record exists.
func (s *Store) GetPackage(ctx context.Context, id string) (*Package, error) {
	key := packageKey(id)
	data, err := s.kv.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get", key, err)
	}
	var p Package
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, storeErr("decode", key, err)
	}
	return &p, nil
}

func (s *Store) DeletePackage(ctx context.Context, id string) error {
	key := packageKey(id)
	return storeErr("delete", key, s.kv.Delete(ctx, key))
}

// ReadIndex returns the retention index. A missing index is empty.
func (s *Store) ReadIndex(ctx context.Context) ([]IndexEntry, error) {
	data, err := s.kv.Get(ctx, IndexKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get", IndexKey, err)
	}
	var idx []IndexEntry
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, storeErr("decode", IndexKey, err)
	}
	return idx, nil
}

func (s *Store) writeIndex(ctx context.Context, idx []IndexEntry) error {
	if idx == nil {
		idx = []IndexEntry{}
	}
	data, err := json.Marshal(idx)
	if err != nil {
		return storeErr("encode", IndexKey, err)
	}
	return storeErr("set", IndexKey, s.kv.Set(ctx, IndexKey, data))
}

// AppendIndex adds e to the end of the retention index.
func (s *Store) AppendIndex(ctx context.Context, e IndexEntry) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	idx, err := s.ReadIndex(ctx)
	if err != nil {
		return err
	}
	return s.writeIndex(ctx, append(idx, e))
}

// RemoveFromIndex drops every entry whose id is in ids. The index is
// re-read under the lock so entries appended concurrently are kept.
func (s *Store) RemoveFromIndex(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	idx, err := s.ReadIndex(ctx)
	if err != nil {
		return err
	}
	kept := slices.DeleteFunc(idx, func(e IndexEntry) bool {
		return slices.Contains(ids, e.PackageID)
	})
	return s.writeIndex(ctx, kept)
}

// StoredPackageIDs returns every package id that owns at least one
// content key or a package record, whether indexed or not.
func (s *Store) StoredPackageIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})

	ckeys, err := s.kv.List(ctx, contentPrefix)
	if err != nil {
		return nil, storeErr("list", contentPrefix, err)
	}
	for _, k := range ckeys {
		rest := strings.TrimPrefix(k, contentPrefix)
		if id, _, ok := strings.Cut(rest, "/"); ok && id != "" {
			seen[id] = struct{}{}
		}
	}

	pkeys, err := s.kv.List(ctx, packagePrefix)
	if err != nil {
		return nil, storeErr("list", packagePrefix, err)
	}
	for _, k := range pkeys {
		if id := strings.TrimPrefix(k, packagePrefix); id != "" {
			seen[id] = struct{}{}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// PurgePackage deletes every content key under pkg plus its record,
// whatever the record says. Used for orphans that may lack a record.
func (s *Store) PurgePackage(ctx context.Context, pkg string) error {
	prefix := contentPrefix + pkg + "/"
	keys, err := s.kv.List(ctx, prefix)
	if err != nil {
		return storeErr("list", prefix, err)
	}
	keys = append(keys, packageKey(pkg))
	return storeErr("delete", prefix, s.kv.Delete(ctx, keys...))
}

// Ping checks the substrate is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return storeErr("ping", "", s.kv.Ping(ctx))
}
