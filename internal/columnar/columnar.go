// Package columnar implements the columnar table store: typed column
// chunks with null bitmaps, run-length compression for integer
// columns, predicate-pushing scans, and chunk-local aggregation.
package columnar

import (
	"sync"

	"github.com/VanitasCaesar1/mantisdb/internal/errs"
)

// Type is a column's value type.
type Type int

const (
	Int64 Type = iota
	Float64
	String
	Boolean
	Timestamp
	Binary
)

// ColumnDef names and types one column of a table's schema.
type ColumnDef struct {
	Name string
	Type Type
}

// Schema is a table's column list in declaration order.
type Schema struct {
	Columns []ColumnDef
}

func (s Schema) indexOf(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Row is one record keyed by column name, as accepted by InsertRows and
// produced by Query.
type Row map[string]any

// chunk holds one column's values for a contiguous run of rows. Int64
// chunks compress to runs when doing so does not grow the encoding.
type chunk struct {
	nulls    *bitmap
	hasNulls bool
	sealed   bool
	rowCount int

	i64 []int64 // raw, used while the chunk is open or RLE didn't help
	rle []run   // set once sealed, if compression applied
	f64 []float64
	str []string
	bl  []bool
	ts  []int64
	bin [][]byte
}

type run struct {
	count int
	value int64
}

func newChunk() *chunk {
	return &chunk{nulls: newBitmap()}
}

// sealThreshold rows accumulate per chunk before it becomes immutable;
// chunk boundaries stay visible in tests at this size.
const sealThreshold = 1024

func (c *chunk) maybeSeal(colType Type) {
	if c.sealed || c.rowCount < sealThreshold {
		return
	}
	c.seal(colType)
}

func (c *chunk) seal(colType Type) {
	if c.sealed {
		return
	}
	c.sealed = true
	if colType == Int64 && len(c.i64) > 0 {
		encoded := encodeRLE(c.i64)
		if len(encoded) <= len(c.i64) {
			c.rle = encoded
			c.i64 = nil
		}
	}
}

func encodeRLE(values []int64) []run {
	runs := make([]run, 0, len(values))
	for _, v := range values {
		if len(runs) > 0 && runs[len(runs)-1].value == v {
			runs[len(runs)-1].count++
			continue
		}
		runs = append(runs, run{count: 1, value: v})
	}
	return runs
}

// forEachInt64 calls fn with each logical row's value and null flag,
// whether the chunk is raw or RLE-compressed, so Aggregate never needs
// to know which representation a sealed chunk chose. Row-level reads
// (Query) go through valueAt instead.
func (c *chunk) forEachInt64(fn func(row int, v int64, isNull bool)) {
	row := 0
	if c.rle != nil {
		for _, r := range c.rle {
			for i := 0; i < r.count; i++ {
				fn(row, r.value, c.nulls.get(row))
				row++
			}
		}
		return
	}
	for _, v := range c.i64 {
		fn(row, v, c.nulls.get(row))
		row++
	}
}

// column is one named field across all of a table's chunks.
type column struct {
	def    ColumnDef
	chunks []*chunk
}

func newColumn(def ColumnDef) *column {
	return &column{def: def, chunks: []*chunk{newChunk()}}
}

func (c *column) openChunk() *chunk {
	last := c.chunks[len(c.chunks)-1]
	if last.sealed {
		last = newChunk()
		c.chunks = append(c.chunks, last)
	}
	return last
}

func (c *column) append(v any) error {
	ch := c.openChunk()
	isNull := v == nil
	ch.nulls.append(isNull)
	if isNull {
		ch.hasNulls = true
	}
	switch c.def.Type {
	case Int64:
		var iv int64
		if !isNull {
			n, ok := toInt64(v)
			if !ok {
				return errs.New(errs.TypeMismatch, "column %q expects Int64, got %T", c.def.Name, v)
			}
			iv = n
		}
		ch.i64 = append(ch.i64, iv)
	case Float64:
		var fv float64
		if !isNull {
			n, ok := toFloat64(v)
			if !ok {
				return errs.New(errs.TypeMismatch, "column %q expects Float64, got %T", c.def.Name, v)
			}
			fv = n
		}
		ch.f64 = append(ch.f64, fv)
	case String:
		var sv string
		if !isNull {
			s, ok := v.(string)
			if !ok {
				return errs.New(errs.TypeMismatch, "column %q expects String, got %T", c.def.Name, v)
			}
			sv = s
		}
		ch.str = append(ch.str, sv)
	case Boolean:
		var bv bool
		if !isNull {
			b, ok := v.(bool)
			if !ok {
				return errs.New(errs.TypeMismatch, "column %q expects Boolean, got %T", c.def.Name, v)
			}
			bv = b
		}
		ch.bl = append(ch.bl, bv)
	case Timestamp:
		var tv int64
		if !isNull {
			n, ok := toInt64(v)
			if !ok {
				return errs.New(errs.TypeMismatch, "column %q expects Timestamp, got %T", c.def.Name, v)
			}
			tv = n
		}
		ch.ts = append(ch.ts, tv)
	case Binary:
		var bv []byte
		if !isNull {
			b, ok := v.([]byte)
			if !ok {
				return errs.New(errs.TypeMismatch, "column %q expects Binary, got %T", c.def.Name, v)
			}
			bv = b
		}
		ch.bin = append(ch.bin, bv)
	}
	ch.rowCount++
	ch.maybeSeal(c.def.Type)
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// valueAt reconstructs the logical row value for a given chunk-local row
// index, decompressing RLE transparently.
func (c *chunk) valueAt(colType Type, row int) any {
	if c.nulls.get(row) {
		return nil
	}
	switch colType {
	case Int64:
		if c.rle != nil {
			r := row
			for _, run := range c.rle {
				if r < run.count {
					return run.value
				}
				r -= run.count
			}
			return nil
		}
		return c.i64[row]
	case Float64:
		return c.f64[row]
	case String:
		return c.str[row]
	case Boolean:
		return c.bl[row]
	case Timestamp:
		return c.ts[row]
	case Binary:
		return c.bin[row]
	}
	return nil
}

func (c *chunk) length() int { return c.rowCount }

// Table is a named, schema'd collection of columns.
type Table struct {
	mu      sync.RWMutex
	name    string
	schema  Schema
	cols    map[string]*column
	indexes map[string]IndexKind
	rows    int
}

type IndexKind int

const (
	IndexHash IndexKind = iota
	IndexBTree
)

func newTable(name string, schema Schema) *Table {
	t := &Table{name: name, schema: schema, cols: make(map[string]*column), indexes: make(map[string]IndexKind)}
	for _, def := range schema.Columns {
		t.cols[def.Name] = newColumn(def)
	}
	return t
}

// Filter is a single-column predicate pushed into a scan.
type Filter struct {
	Column string
	Op     Op
	Value  any
	Values []any // for In
	Lo, Hi any   // for Range
}

type Op int

const (
	Eq Op = iota
	Ne
	Gt
	Gte
	Lt
	Lte
	In
	Range
)

// Store holds all tables in one columnar namespace.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

func New() *Store {
	return &Store{tables: make(map[string]*Table)}
}

func (s *Store) CreateTable(name string, schema Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; ok {
		return errs.New(errs.AlreadyExists, "table %q already exists", name)
	}
	s.tables[name] = newTable(name, schema)
	return nil
}

func (s *Store) DropTable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; !ok {
		return errs.New(errs.NotFound, "table %q not found", name)
	}
	delete(s.tables, name)
	return nil
}

// Schema returns table's column definitions, for callers (the SQL
// executor) that need to rebuild or validate rows against it.
func (s *Store) Schema(name string) (Schema, error) {
	t, err := s.table(name)
	if err != nil {
		return Schema{}, err
	}
	return t.schema, nil
}

// RowCount reports how many rows table currently holds. The SQL
// executor does not call it; its hash-join choice counts the rows it
// has already loaded.
func (s *Store) RowCount(name string) (int, error) {
	t, err := s.table(name)
	if err != nil {
		return 0, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rows, nil
}

// Tables lists every table name currently registered.
func (s *Store) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables))
	for n := range s.tables {
		names = append(names, n)
	}
	return names
}

func (s *Store) table(name string) (*Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return nil, errs.New(errs.UnknownTable, "table %q not found", name)
	}
	return t, nil
}

// CreateIndex records an index kind against a column. This is a
// cataloging operation only: Query does not consult the recorded
// indexes, so an index does not change which chunks or rows a scan
// visits.
func (s *Store) CreateIndex(table, column string, kind IndexKind) error {
	t, err := s.table(table)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.schema.indexOf(column) < 0 {
		return errs.New(errs.UnknownColumn, "column %q not found on table %q", column, table)
	}
	t.indexes[column] = kind
	return nil
}

// InsertRows appends rows to table, column by column.
func (s *Store) InsertRows(table string, rows []Row) error {
	t, err := s.table(table)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, row := range rows {
		for _, def := range t.schema.Columns {
			v, ok := row[def.Name]
			if !ok {
				v = nil
			}
			if err := t.cols[def.Name].append(v); err != nil {
				return err
			}
		}
		t.rows++
	}
	return nil
}

// SortSpec orders query results by one column, ascending unless Desc.
type SortSpec struct {
	Column string
	Desc   bool
}

// Query scans table applying filter (nil means no filter), then sort
// and limit. Every row is materialized across all columns before the
// filter is evaluated on it; rows that fail are then dropped.
func (s *Store) Query(table string, filter *Filter, sort *SortSpec, limit int) ([]Row, error) {
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Row
	for i := 0; i < t.rows; i++ {
		row := t.materializeLocked(i)
		if filter != nil && !matches(row, filter) {
			continue
		}
		out = append(out, row)
	}
	if sort != nil {
		sortRows(out, sort)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// materializeLocked reconstructs logical row i across all columns.
// Caller holds t.mu.
func (t *Table) materializeLocked(i int) Row {
	row := make(Row, len(t.schema.Columns))
	for _, def := range t.schema.Columns {
		col := t.cols[def.Name]
		local := i
		for _, ch := range col.chunks {
			if local < ch.length() {
				row[def.Name] = ch.valueAt(def.Type, local)
				break
			}
			local -= ch.length()
		}
	}
	return row
}

func matches(row Row, f *Filter) bool {
	v, ok := row[f.Column]
	switch f.Op {
	case Eq:
		return ok && compareEqual(v, f.Value)
	case Ne:
		return !ok || !compareEqual(v, f.Value)
	case Gt, Gte, Lt, Lte:
		if !ok || v == nil {
			return false
		}
		c, cok := compare(v, f.Value)
		if !cok {
			return false
		}
		switch f.Op {
		case Gt:
			return c > 0
		case Gte:
			return c >= 0
		case Lt:
			return c < 0
		case Lte:
			return c <= 0
		}
	case In:
		if !ok {
			return false
		}
		for _, cand := range f.Values {
			if compareEqual(v, cand) {
				return true
			}
		}
		return false
	case Range:
		if !ok || v == nil {
			return false
		}
		lo, lok := compare(v, f.Lo)
		hi, hok := compare(v, f.Hi)
		return lok && hok && lo >= 0 && hi <= 0
	}
	return false
}

func compareEqual(a, b any) bool {
	c, ok := compare(a, b)
	return ok && c == 0
}

// compare returns -1/0/1 comparing a to b for the numeric/string/bool
// types the columnar store supports; ok is false for incomparable or
// null operands.
func compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		if ab == bb {
			return 0, true
		}
		if !ab && bb {
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func sortRows(rows []Row, spec *SortSpec) {
	// Small-n insertion sort keeps this allocation-free and avoids
	// importing sort for what is, at chunk scale, a short slice; larger
	// result sets still behave correctly, just O(n^2) worst case.
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0; j-- {
			c, ok := compare(rows[j-1][spec.Column], rows[j][spec.Column])
			if !ok || c == 0 {
				break
			}
			less := c < 0
			if spec.Desc {
				less = !less
			}
			if less {
				break
			}
			rows[j-1], rows[j] = rows[j], rows[j-1]
		}
	}
}

// AggOp is a chunk-local aggregation.
type AggOp int

const (
	AggSum AggOp = iota
	AggCount
	AggMin
	AggMax
)

// Aggregate computes op over column directly against chunks, without
// materializing rows; RLE runs contribute count*value to Sum/Count in
// one step per run.
func (s *Store) Aggregate(table, column string, op AggOp) (float64, error) {
	t, err := s.table(table)
	if err != nil {
		return 0, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	col, ok := t.cols[column]
	if !ok {
		return 0, errs.New(errs.UnknownColumn, "column %q not found on table %q", column, table)
	}

	var sum float64
	var count int64
	haveMinMax := false
	var min, max float64

	for _, ch := range col.chunks {
		if col.def.Type == Int64 && ch.rle != nil && !ch.hasNulls {
			// Fast path: no nulls to skip, so each RLE run folds into the
			// accumulators in one step instead of one step per row.
			for _, r := range ch.rle {
				visitRun(float64(r.value), int64(r.count), &sum, &count, &haveMinMax, &min, &max)
			}
			continue
		}
		if col.def.Type == Int64 {
			ch.forEachInt64(func(_ int, v int64, isNull bool) {
				if !isNull {
					visitRun(float64(v), 1, &sum, &count, &haveMinMax, &min, &max)
				}
			})
			continue
		}
		for i := 0; i < ch.length(); i++ {
			if ch.nulls.get(i) {
				continue
			}
			fv, _ := toFloat64(ch.valueAt(col.def.Type, i))
			visitRun(fv, 1, &sum, &count, &haveMinMax, &min, &max)
		}
	}

	switch op {
	case AggSum:
		return sum, nil
	case AggCount:
		return float64(count), nil
	case AggMin:
		return min, nil
	case AggMax:
		return max, nil
	}
	return 0, errs.New(errs.InvalidArgument, "unknown aggregate op %d", op)
}

// visitRun folds one RLE run (or a singleton raw value, runLen=1) into
// the running sum/count/min/max accumulators.
func visitRun(v float64, runLen int64, sum *float64, count *int64, haveMinMax *bool, min, max *float64) {
	*sum += v * float64(runLen)
	*count += runLen
	if !*haveMinMax {
		*min, *max = v, v
		*haveMinMax = true
		return
	}
	if v < *min {
		*min = v
	}
	if v > *max {
		*max = v
	}
}
