// Package document implements collections of JSON-shaped documents
// with nested-path secondary indexes, layered directly over the same
// KV substrate the rest of the engine uses (internal/txn). A
// collection is a namespace prefix over that substrate; index entries
// live under sibling prefixes mapping encoded values to document ids.
package document

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/VanitasCaesar1/mantisdb/internal/errs"
	"github.com/VanitasCaesar1/mantisdb/internal/txn"
)

// IndexKind selects a secondary index's structure and capabilities.
type IndexKind int

const (
	IndexBTree IndexKind = iota
	IndexHash
	IndexFulltext
)

type indexDef struct {
	Name   string
	Path   string
	Kind   IndexKind
	Unique bool
}

type collection struct {
	name    string
	indexes map[string]*indexDef // by path, since one path gets at most one index in this model
}

// Doc is a document as returned to callers: the decoded JSON value
// plus its envelope fields.
type Doc struct {
	ID        string
	Value     map[string]any
	Version   int64
	CreatedTS int64
	UpdatedTS int64
}

type envelope struct {
	Value     json.RawMessage `json:"v"`
	Version   int64           `json:"ver"`
	CreatedTS int64           `json:"cts"`
	UpdatedTS int64           `json:"uts"`
}

// Store is the document-collection layer. One Store wraps one shared
// internal/txn.Manager (and, through it, the rest of the storage
// stack); collections are purely a naming/indexing concern on top.
type Store struct {
	txns *txn.Manager
	now  func() int64

	mu          sync.RWMutex
	collections map[string]*collection
}

// New creates a Store over an existing transaction manager. now
// supplies the document timestamps and has no default; the manager's
// clock is not exposed, so callers pass one explicitly (the engine
// wires its own clock here).
func New(txns *txn.Manager, now func() int64) *Store {
	return &Store{txns: txns, now: now, collections: make(map[string]*collection)}
}

func (s *Store) CreateCollection(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; ok {
		return errs.New(errs.AlreadyExists, "collection %q already exists", name)
	}
	s.collections[name] = &collection{name: name, indexes: make(map[string]*indexDef)}
	return nil
}

func (s *Store) DropCollection(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[name]
	if !ok {
		return errs.New(errs.NotFound, "collection %q not found", name)
	}
	delete(s.collections, name)

	t := s.txns.Begin(txn.Serializable)
	var toDelete [][]byte
	_ = s.txns.Scan(t, []byte("coll:"+name+":"), upperBound([]byte("coll:"+name+":")), func(key, _ []byte) bool {
		toDelete = append(toDelete, append([]byte(nil), key...))
		return true
	})
	for _, k := range toDelete {
		_ = s.txns.Delete(t, k)
	}
	_ = coll
	return s.txns.Commit(t)
}

func (s *Store) collectionOf(name string) (*collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return nil, errs.New(errs.NotFound, "collection %q not found", name)
	}
	return c, nil
}

// CreateIndex registers a secondary index over a nested path.
// Existing documents are backfilled.
func (s *Store) CreateIndex(collName, path string, kind IndexKind, unique bool, indexName string) error {
	coll, err := s.collectionOf(collName)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if _, exists := coll.indexes[path]; exists {
		s.mu.Unlock()
		return errs.New(errs.AlreadyExists, "index on path %q already exists", path)
	}
	def := &indexDef{Name: indexName, Path: path, Kind: kind, Unique: unique}
	coll.indexes[path] = def
	s.mu.Unlock()

	t := s.txns.Begin(txn.Serializable)
	var failErr error
	_ = s.txns.Scan(t, []byte("coll:"+collName+":doc:"), upperBound([]byte("coll:"+collName+":doc:")), func(key, value []byte) bool {
		id := strings.TrimPrefix(string(key), "coll:"+collName+":doc:")
		var env envelope
		if json.Unmarshal(value, &env) != nil {
			return true
		}
		var v map[string]any
		if json.Unmarshal(env.Value, &v) != nil {
			return true
		}
		if pv, ok := getPath(v, path); ok {
			if err := s.writeIndexEntry(t, collName, def, id, pv, true); err != nil {
				failErr = err
				return false
			}
		}
		return true
	})
	if failErr != nil {
		_ = s.txns.Abort(t)
		s.mu.Lock()
		delete(coll.indexes, path)
		s.mu.Unlock()
		return failErr
	}
	return s.txns.Commit(t)
}

func docKey(coll, id string) []byte {
	return []byte("coll:" + coll + ":doc:" + id)
}

func idxPrefix(coll string, def *indexDef) string {
	return "coll:" + coll + ":idx:" + def.Name + ":"
}

func idxKey(coll string, def *indexDef, encodedValue []byte, id string) []byte {
	return append([]byte(idxPrefix(coll, def)), append(append([]byte{}, encodedValue...), []byte(":"+id)...)...)
}

// writeIndexEntry installs one index entry, enforcing uniqueness when
// checkUnique is set (every current caller, including Update and the
// CreateIndex backfill, sets it).
func (s *Store) writeIndexEntry(t *txn.Txn, collName string, def *indexDef, id string, value any, checkUnique bool) error {
	enc := encodeIndexValue(value)
	if def.Unique && checkUnique {
		prefix := append([]byte(idxPrefix(collName, def)), enc...)
		conflict := false
		_ = s.txns.Scan(t, prefix, upperBound(prefix), func(key, val []byte) bool {
			if string(val) != id {
				conflict = true
			}
			return false
		})
		if conflict {
			return errs.New(errs.AlreadyExists, "unique index %q violated for value", def.Name)
		}
	}
	return s.txns.Put(t, idxKey(collName, def, enc, id), []byte(id))
}

func (s *Store) deleteIndexEntries(t *txn.Txn, collName string, coll *collection, id string, v map[string]any) {
	for _, def := range coll.indexes {
		pv, ok := getPath(v, def.Path)
		if !ok {
			continue
		}
		enc := encodeIndexValue(pv)
		_ = s.txns.Delete(t, idxKey(collName, def, enc, id))
	}
}

// Insert stores a new document, assigning a fresh doc_id, and
// populates every registered index.
func (s *Store) Insert(collName string, value map[string]any) (string, error) {
	coll, err := s.collectionOf(collName)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	now := s.now()
	raw, err := json.Marshal(value)
	if err != nil {
		return "", errs.New(errs.InvalidArgument, "document not JSON-encodable: %v", err)
	}
	env := envelope{Value: raw, Version: 1, CreatedTS: now, UpdatedTS: now}
	envBytes, _ := json.Marshal(env)

	t := s.txns.Begin(txn.Serializable)
	if err := s.txns.Put(t, docKey(collName, id), envBytes); err != nil {
		_ = s.txns.Abort(t)
		return "", err
	}
	s.mu.RLock()
	indexes := make([]*indexDef, 0, len(coll.indexes))
	for _, def := range coll.indexes {
		indexes = append(indexes, def)
	}
	s.mu.RUnlock()
	for _, def := range indexes {
		if pv, ok := getPath(value, def.Path); ok {
			if err := s.writeIndexEntry(t, collName, def, id, pv, true); err != nil {
				_ = s.txns.Abort(t)
				return "", err
			}
		}
	}
	if err := s.txns.Commit(t); err != nil {
		return "", err
	}
	return id, nil
}

// Get fetches one document by id.
func (s *Store) Get(collName, id string) (*Doc, error) {
	if _, err := s.collectionOf(collName); err != nil {
		return nil, err
	}
	t := s.txns.Begin(txn.ReadCommitted)
	defer s.txns.Commit(t)
	raw, found, err := s.txns.Get(t, docKey(collName, id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.New(errs.NotFound, "document %q not found", id)
	}
	return decodeDoc(id, raw)
}

func decodeDoc(id string, raw []byte) (*Doc, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.Wrap(errs.Corruption, err, "decode document envelope")
	}
	var v map[string]any
	if err := json.Unmarshal(env.Value, &v); err != nil {
		return nil, errs.Wrap(errs.Corruption, err, "decode document value")
	}
	return &Doc{ID: id, Value: v, Version: env.Version, CreatedTS: env.CreatedTS, UpdatedTS: env.UpdatedTS}, nil
}

// Update applies patch as a shallow merge over the existing document's
// top-level fields, re-indexing any changed indexed paths.
func (s *Store) Update(collName, id string, patch map[string]any) error {
	coll, err := s.collectionOf(collName)
	if err != nil {
		return err
	}
	t := s.txns.Begin(txn.Serializable)
	raw, found, err := s.txns.Get(t, docKey(collName, id))
	if err != nil {
		_ = s.txns.Abort(t)
		return err
	}
	if !found {
		_ = s.txns.Abort(t)
		return errs.New(errs.NotFound, "document %q not found", id)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		_ = s.txns.Abort(t)
		return errs.Wrap(errs.Corruption, err, "decode document envelope")
	}
	var v map[string]any
	if err := json.Unmarshal(env.Value, &v); err != nil {
		_ = s.txns.Abort(t)
		return errs.Wrap(errs.Corruption, err, "decode document value")
	}

	s.mu.RLock()
	indexes := make([]*indexDef, 0, len(coll.indexes))
	for _, def := range coll.indexes {
		indexes = append(indexes, def)
	}
	s.mu.RUnlock()

	oldVals := make(map[string]any, len(indexes))
	for _, def := range indexes {
		oldVals[def.Path], _ = getPath(v, def.Path)
	}

	for k, pv := range patch {
		v[k] = pv
	}

	now := s.now()
	newRaw, err := json.Marshal(v)
	if err != nil {
		_ = s.txns.Abort(t)
		return errs.New(errs.InvalidArgument, "patched document not JSON-encodable: %v", err)
	}
	newEnv := envelope{Value: newRaw, Version: env.Version + 1, CreatedTS: env.CreatedTS, UpdatedTS: now}
	newEnvBytes, _ := json.Marshal(newEnv)
	if err := s.txns.Put(t, docKey(collName, id), newEnvBytes); err != nil {
		_ = s.txns.Abort(t)
		return err
	}

	for _, def := range indexes {
		newVal, hasNew := getPath(v, def.Path)
		oldVal, hasOld := oldVals[def.Path]
		if hasOld && (!hasNew || !compareEqual(oldVal, newVal)) {
			_ = s.txns.Delete(t, idxKey(collName, def, encodeIndexValue(oldVal), id))
		}
		if hasNew && (!hasOld || !compareEqual(oldVal, newVal)) {
			if err := s.writeIndexEntry(t, collName, def, id, newVal, true); err != nil {
				_ = s.txns.Abort(t)
				return err
			}
		}
	}
	return s.txns.Commit(t)
}

// Delete removes a document and every index entry referencing it.
func (s *Store) Delete(collName, id string) error {
	coll, err := s.collectionOf(collName)
	if err != nil {
		return err
	}
	t := s.txns.Begin(txn.Serializable)
	raw, found, err := s.txns.Get(t, docKey(collName, id))
	if err != nil {
		_ = s.txns.Abort(t)
		return err
	}
	if !found {
		_ = s.txns.Abort(t)
		return errs.New(errs.NotFound, "document %q not found", id)
	}
	var env envelope
	var v map[string]any
	if json.Unmarshal(raw, &env) == nil {
		_ = json.Unmarshal(env.Value, &v)
	}
	if err := s.txns.Delete(t, docKey(collName, id)); err != nil {
		_ = s.txns.Abort(t)
		return err
	}
	s.mu.RLock()
	s.deleteIndexEntries(t, collName, coll, id, v)
	s.mu.RUnlock()
	return s.txns.Commit(t)
}

// Query evaluates cond against collName, using a registered index when
// the top-level conjunct matches an indexed path and falling back to a
// full collection scan otherwise.
func (s *Store) Query(collName string, cond *Condition, sort_ *Sort, limit, offset int) ([]Doc, error) {
	coll, err := s.collectionOf(collName)
	if err != nil {
		return nil, err
	}
	t := s.txns.Begin(txn.ReadCommitted)
	defer s.txns.Commit(t)

	var results []Doc
	if path, op, ok := cond.indexablePath(); ok {
		s.mu.RLock()
		def, hasIdx := coll.indexes[path]
		s.mu.RUnlock()
		if hasIdx && def.Kind != IndexFulltext {
			ids, err := s.scanIndex(t, collName, def, cond, op)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				raw, found, err := s.txns.Get(t, docKey(collName, id))
				if err != nil || !found {
					continue
				}
				d, err := decodeDoc(id, raw)
				if err != nil {
					continue
				}
				if cond.matches(d.Value) {
					results = append(results, *d)
				}
			}
			return finishQuery(results, sort_, limit, offset), nil
		}
	}

	prefix := []byte("coll:" + collName + ":doc:")
	_ = s.txns.Scan(t, prefix, upperBound(prefix), func(key, value []byte) bool {
		id := strings.TrimPrefix(string(key), string(prefix))
		d, err := decodeDoc(id, value)
		if err != nil {
			return true
		}
		if cond.matches(d.Value) {
			results = append(results, *d)
		}
		return true
	})
	return finishQuery(results, sort_, limit, offset), nil
}

// scanIndex returns candidate doc ids from def's B-tree/hash index for
// the leading conjunct's operator.
func (s *Store) scanIndex(t *txn.Txn, collName string, def *indexDef, cond *Condition, op Op) ([]string, error) {
	base := idxPrefix(collName, def)
	// Narrow to the conjunct indexablePath chose, so its own Value/Lo/Hi
	// bound the scan.
	for cond.Op == And {
		next := cond
		for i := range cond.Sub {
			if _, _, ok := cond.Sub[i].indexablePath(); ok {
				next = &cond.Sub[i]
				break
			}
		}
		if next == cond {
			break
		}
		cond = next
	}
	var lo, hi []byte
	switch op {
	case Eq:
		enc := encodeIndexValue(cond.Value)
		p := append([]byte(base), enc...)
		lo, hi = p, upperBound(p)
	case Gt, Gte:
		lo = append([]byte(base), encodeIndexValue(leadingValue(cond))...)
		hi = upperBound([]byte(base))
	case Lt, Lte:
		lo = []byte(base)
		hi = upperBound(append([]byte(base), encodeIndexValue(leadingValue(cond))...))
	case Range:
		lo = append([]byte(base), encodeIndexValue(cond.Lo)...)
		hi = append([]byte(base), encodeIndexValue(cond.Hi)...)
		hi = upperBound(hi)
	default:
		lo, hi = []byte(base), upperBound([]byte(base))
	}
	var ids []string
	_ = s.txns.Scan(t, lo, hi, func(_, value []byte) bool {
		ids = append(ids, string(value))
		return true
	})
	return ids, nil
}

func leadingValue(cond *Condition) any {
	if cond.Op == And {
		for i := range cond.Sub {
			if cond.Sub[i].Op != And && cond.Sub[i].Op != Or {
				return cond.Sub[i].Value
			}
		}
		return nil
	}
	return cond.Value
}

func finishQuery(results []Doc, sort_ *Sort, limit, offset int) []Doc {
	if sort_ != nil {
		sort.SliceStable(results, func(i, j int) bool {
			vi, _ := getPath(results[i].Value, sort_.Path)
			vj, _ := getPath(results[j].Value, sort_.Path)
			c, _ := compare(vi, vj)
			if sort_.Desc {
				return c > 0
			}
			return c < 0
		})
	}
	if offset > 0 {
		if offset >= len(results) {
			return nil
		}
		results = results[offset:]
	}
	if limit > 0 && limit < len(results) {
		results = results[:limit]
	}
	return results
}

// Aggregate runs a Match/Sort/Limit/Skip/Project pipeline over a
// collection.
func (s *Store) Aggregate(collName string, pipeline []PipelineStage) ([]Doc, error) {
	var cond *Condition
	for _, stage := range pipeline {
		if stage.Match != nil {
			cond = stage.Match
			break
		}
	}
	docs, err := s.Query(collName, cond, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	for _, stage := range pipeline {
		switch {
		case stage.Sort != nil:
			sort.SliceStable(docs, func(i, j int) bool {
				vi, _ := getPath(docs[i].Value, stage.Sort.Path)
				vj, _ := getPath(docs[j].Value, stage.Sort.Path)
				c, _ := compare(vi, vj)
				if stage.Sort.Desc {
					return c > 0
				}
				return c < 0
			})
		case stage.Skip > 0:
			if stage.Skip >= len(docs) {
				docs = nil
			} else {
				docs = docs[stage.Skip:]
			}
		case stage.Limit > 0:
			if stage.Limit < len(docs) {
				docs = docs[:stage.Limit]
			}
		case len(stage.Project) > 0:
			for i := range docs {
				projected := make(map[string]any, len(stage.Project))
				for _, field := range stage.Project {
					if v, ok := getPath(docs[i].Value, field); ok {
						projected[field] = v
					}
				}
				docs[i].Value = projected
			}
		}
	}
	return docs, nil
}

// upperBound returns the smallest key that sorts strictly after every
// key beginning with prefix, for use as a scan's exclusive hi bound.
func upperBound(prefix []byte) []byte {
	up := append([]byte(nil), prefix...)
	for i := len(up) - 1; i >= 0; i-- {
		if up[i] != 0xFF {
			up[i]++
			return up[:i+1]
		}
	}
	return nil
}
