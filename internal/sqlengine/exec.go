package sqlengine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/VanitasCaesar1/mantisdb/internal/columnar"
	"github.com/VanitasCaesar1/mantisdb/internal/errs"
)

// execRow merges every visible column under two kinds of key: a bare
// name ("id") usable when it is unambiguous in the query, and a
// table-qualified name ("u.id") always usable. Join logic always
// installs the qualified form; the bare form is installed for the
// first (left-most) table only, matching the common single-table and
// "qualify only the join side" query shapes.
type execRow map[string]any

// ResultSet is the engine's external result shape: a sequence of rows
// with named columns.
type ResultSet struct {
	Columns []string
	Rows    []map[string]any
}

// Engine executes parsed statements against a columnar.Store, the
// same tables the columnar surface exposes.
type Engine struct {
	tables *columnar.Store
}

func New(tables *columnar.Store) *Engine {
	return &Engine{tables: tables}
}

// Execute parses and runs one SQL statement.
func (e *Engine) Execute(sql string) (*ResultSet, error) {
	stmt, err := Parse(sql)
	if err != nil {
		return nil, err
	}
	switch s := stmt.(type) {
	case *Select:
		return e.execSelect(s)
	case *Insert:
		return e.execInsert(s)
	case *Update:
		return e.execUpdate(s)
	case *Delete:
		return e.execDelete(s)
	default:
		return nil, errs.New(errs.ParseError, "unsupported statement")
	}
}

// nestedLoopThreshold is the cardinality cutoff below which a
// nested-loop join beats building a hash table.
const nestedLoopThreshold = 300

func (e *Engine) execSelect(s *Select) (*ResultSet, error) {
	if s.Where != nil {
		resolved, err := e.resolveSubqueries(s.Where)
		if err != nil {
			return nil, err
		}
		s.Where = resolved
	}
	if s.Having != nil {
		resolved, err := e.resolveSubqueries(s.Having)
		if err != nil {
			return nil, err
		}
		s.Having = resolved
	}

	baseRows, err := e.loadTable(s.From, true)
	if err != nil {
		return nil, err
	}
	rows := baseRows

	for _, j := range s.Joins {
		otherRows, err := e.loadTable(j.Table, false)
		if err != nil {
			return nil, err
		}
		leftCount, rightCount := len(rows), len(otherRows)
		useHash := leftCount > nestedLoopThreshold || rightCount > nestedLoopThreshold
		rows, err = e.join(rows, otherRows, j, useHash)
		if err != nil {
			return nil, err
		}
	}

	if s.Where != nil {
		filtered := rows[:0]
		for _, r := range rows {
			v, err := evalExpr(evalCtx{row: r}, s.Where)
			if err != nil {
				return nil, err
			}
			if toBool(v) {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	}

	hasAgg := len(s.GroupBy) > 0
	if !hasAgg {
		for _, it := range s.Items {
			if containsAgg(it.Expr) {
				hasAgg = true
				break
			}
		}
	}

	var outRows []execRow
	if hasAgg {
		outRows, err = e.evalAggregated(s, rows)
		if err != nil {
			return nil, err
		}
	} else {
		outRows = rows
	}

	if len(s.OrderBy) > 0 {
		sort.SliceStable(outRows, func(i, j int) bool {
			for _, ord := range s.OrderBy {
				vi, _ := evalExpr(evalCtx{row: outRows[i]}, ord.Expr)
				vj, _ := evalExpr(evalCtx{row: outRows[j]}, ord.Expr)
				c := compareAny(vi, vj)
				if c == 0 {
					continue
				}
				if ord.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	if s.Offset > 0 {
		if s.Offset >= len(outRows) {
			outRows = nil
		} else {
			outRows = outRows[s.Offset:]
		}
	}
	if s.HasLimit && s.Limit < len(outRows) {
		outRows = outRows[:s.Limit]
	}

	return e.project(s, outRows)
}

// loadTable reads every row of ref's table, tagging each column under
// its qualified key and, if bare, under its unqualified key too.
func (e *Engine) loadTable(ref TableRef, bare bool) ([]execRow, error) {
	rows, err := e.tables.Query(ref.Name, nil, nil, 0)
	if err != nil {
		return nil, errs.Wrap(errs.UnknownTable, err, "table %q", ref.Name)
	}
	label := ref.label()
	out := make([]execRow, len(rows))
	for i, r := range rows {
		er := make(execRow, len(r)*2)
		for k, v := range r {
			er[label+"."+k] = v
			if bare {
				er[k] = v
			}
		}
		out[i] = er
	}
	return out, nil
}

func (e *Engine) join(left, right []execRow, j Join, useHash bool) ([]execRow, error) {
	var out []execRow
	matchedRight := make([]bool, len(right))

	tryPair := func(l, r execRow) (execRow, bool, error) {
		combined := make(execRow, len(l)+len(r))
		for k, v := range l {
			combined[k] = v
		}
		for k, v := range r {
			combined[k] = v
		}
		v, err := evalExpr(evalCtx{row: combined}, j.On)
		if err != nil {
			return nil, false, err
		}
		return combined, toBool(v), nil
	}

	if useHash {
		leftKey, rightKey, ok := equiJoinKeys(j.On)
		if ok && len(left) > 0 {
			// Orient the keys so leftKey is the operand the left rows carry.
			lc, rc := leftKey.(ColRef), rightKey.(ColRef)
			_, lIn := left[0][lc.Table+"."+lc.Name]
			_, rIn := left[0][rc.Table+"."+rc.Name]
			if lc.Table != "" && rc.Table != "" && !lIn && rIn {
				leftKey, rightKey = rightKey, leftKey
			}
		}
		if ok {
			index := make(map[string][]int, len(right))
			for i, r := range right {
				v, _ := evalExpr(evalCtx{row: r}, rightKey)
				index[fmt.Sprint(v)] = append(index[fmt.Sprint(v)], i)
			}
			for _, l := range left {
				lv, _ := evalExpr(evalCtx{row: l}, leftKey)
				matchedLeft := false
				for _, idx := range index[fmt.Sprint(lv)] {
					combined, ok, err := tryPair(l, right[idx])
					if err != nil {
						return nil, err
					}
					if ok {
						out = append(out, combined)
						matchedLeft = true
						matchedRight[idx] = true
					}
				}
				if !matchedLeft && j.Type == JoinLeft {
					out = append(out, l)
				}
			}
			if j.Type == JoinRight {
				for i, r := range right {
					if !matchedRight[i] {
						out = append(out, r)
					}
				}
			}
			return out, nil
		}
	}

	// Nested loop (also the fallback when the join predicate isn't a
	// simple column equality a hash index can be built from).
	for _, l := range left {
		matchedLeft := false
		for i, r := range right {
			combined, ok, err := tryPair(l, r)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, combined)
				matchedLeft = true
				matchedRight[i] = true
			}
		}
		if !matchedLeft && j.Type == JoinLeft {
			out = append(out, l)
		}
	}
	if j.Type == JoinRight {
		for i, r := range right {
			if !matchedRight[i] {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// equiJoinKeys recognizes `a.x = b.y` (in either operand order) as an
// equi-join predicate suitable for a hash build/probe.
func equiJoinKeys(on Expr) (left, right Expr, ok bool) {
	b, isBin := on.(Binary)
	if !isBin || b.Op != "=" {
		return nil, nil, false
	}
	_, lok := b.L.(ColRef)
	_, rok := b.R.(ColRef)
	if lok && rok {
		return b.L, b.R, true
	}
	return nil, nil, false
}

type evalCtx struct {
	row  execRow
	rows []execRow // non-nil only while evaluating an aggregate FuncCall's group
}

func lookupCol(row execRow, ref ColRef) any {
	if ref.Table != "" {
		v, ok := row[ref.Table+"."+ref.Name]
		if ok {
			return v
		}
		return nil
	}
	if v, ok := row[ref.Name]; ok {
		return v
	}
	// Fall back to scanning qualified keys when the bare form wasn't
	// installed (e.g. a column from a joined, non-left-most table
	// referenced without its table qualifier).
	suffix := "." + ref.Name
	for k, v := range row {
		if strings.HasSuffix(k, suffix) {
			return v
		}
	}
	return nil
}

func evalExpr(ctx evalCtx, e Expr) (any, error) {
	switch x := e.(type) {
	case ColRef:
		return lookupCol(ctx.row, x), nil
	case Literal:
		return x.Val, nil
	case Unary:
		v, err := evalExpr(ctx, x.X)
		if err != nil {
			return nil, err
		}
		switch x.Op {
		case "not":
			return !toBool(v), nil
		case "-":
			f, ok := toFloat(v)
			if !ok {
				return nil, errs.New(errs.TypeMismatch, "cannot negate %T", v)
			}
			return -f, nil
		}
	case Binary:
		return evalBinary(ctx, x)
	case IsNullExpr:
		v, err := evalExpr(ctx, x.X)
		if err != nil {
			return nil, err
		}
		isNull := v == nil
		return isNull != x.Negate, nil
	case FuncCall:
		if ctx.rows == nil {
			return nil, errs.New(errs.InvalidArgument, "aggregate function %s used outside GROUP BY context", x.Name)
		}
		return computeAgg(ctx.rows, x)
	case InList:
		v, err := evalExpr(ctx, x.X)
		if err != nil {
			return nil, err
		}
		found := false
		for _, ve := range x.Vals {
			cv, err := evalExpr(ctx, ve)
			if err != nil {
				return nil, err
			}
			if compareAny(v, cv) == 0 {
				found = true
				break
			}
		}
		return found != x.Negate, nil
	case InSubquery:
		return nil, errs.New(errs.InvalidArgument, "unresolved IN (SELECT ...): resolveSubqueries must run first")
	}
	return nil, errs.New(errs.ParseError, "unsupported expression %T", e)
}

func evalBinary(ctx evalCtx, b Binary) (any, error) {
	if b.Op == "and" {
		l, err := evalExpr(ctx, b.L)
		if err != nil {
			return nil, err
		}
		if !toBool(l) {
			return false, nil
		}
		r, err := evalExpr(ctx, b.R)
		return toBool(r), err
	}
	if b.Op == "or" {
		l, err := evalExpr(ctx, b.L)
		if err != nil {
			return nil, err
		}
		if toBool(l) {
			return true, nil
		}
		r, err := evalExpr(ctx, b.R)
		return toBool(r), err
	}
	l, err := evalExpr(ctx, b.L)
	if err != nil {
		return nil, err
	}
	r, err := evalExpr(ctx, b.R)
	if err != nil {
		return nil, err
	}
	switch b.Op {
	case "=":
		return compareAny(l, r) == 0, nil
	case "!=", "<>":
		return compareAny(l, r) != 0, nil
	case "<":
		return compareAny(l, r) < 0, nil
	case "<=":
		return compareAny(l, r) <= 0, nil
	case ">":
		return compareAny(l, r) > 0, nil
	case ">=":
		return compareAny(l, r) >= 0, nil
	case "+", "-", "*", "/":
		lf, lok := toFloat(l)
		rf, rok := toFloat(r)
		if !lok || !rok {
			return nil, errs.New(errs.TypeMismatch, "arithmetic on non-numeric operand")
		}
		switch b.Op {
		case "+":
			return lf + rf, nil
		case "-":
			return lf - rf, nil
		case "*":
			return lf * rf, nil
		case "/":
			if rf == 0 {
				return nil, errs.New(errs.InvalidArgument, "division by zero")
			}
			return lf / rf, nil
		}
	}
	return nil, errs.New(errs.ParseError, "unsupported operator %q", b.Op)
}

func toBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// compareAny orders numerics by value, strings/bools by their natural
// order, and treats incomparable or nil operands as equal-and-absent
// (returns 0) so callers that only care about equality stay simple.
func compareAny(a, b any) int {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return strings.Compare(as, bs)
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			if ab == bb {
				return 0
			}
			if !ab {
				return -1
			}
			return 1
		}
	}
	return 0
}

func containsAgg(e Expr) bool {
	switch x := e.(type) {
	case FuncCall:
		return true
	case Binary:
		return containsAgg(x.L) || containsAgg(x.R)
	case Unary:
		return containsAgg(x.X)
	case IsNullExpr:
		return containsAgg(x.X)
	default:
		return false
	}
}

// computeAgg accumulates SUM/AVG through shopspring/decimal rather than
// plain float64 addition, so a long GROUP BY doesn't drift from repeated
// binary rounding; the result is converted back to float64 at the end
// since result rows carry plain Go values.
func computeAgg(rows []execRow, fc FuncCall) (any, error) {
	if fc.Name == "count" && fc.Star {
		return int64(len(rows)), nil
	}
	var vals []float64
	for _, r := range rows {
		v, err := evalExpr(evalCtx{row: r}, fc.Arg)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		f, ok := toFloat(v)
		if !ok {
			return nil, errs.New(errs.TypeMismatch, "aggregate %s over non-numeric column", fc.Name)
		}
		vals = append(vals, f)
	}
	switch fc.Name {
	case "count":
		return int64(len(vals)), nil
	case "sum":
		s := decimal.Zero
		for _, v := range vals {
			s = s.Add(decimal.NewFromFloat(v))
		}
		f, _ := s.Float64()
		return f, nil
	case "avg":
		if len(vals) == 0 {
			return nil, nil
		}
		s := decimal.Zero
		for _, v := range vals {
			s = s.Add(decimal.NewFromFloat(v))
		}
		avg := s.Div(decimal.NewFromInt(int64(len(vals))))
		f, _ := avg.Float64()
		return f, nil
	case "min":
		if len(vals) == 0 {
			return nil, nil
		}
		m := vals[0]
		for _, v := range vals[1:] {
			if v < m {
				m = v
			}
		}
		return m, nil
	case "max":
		if len(vals) == 0 {
			return nil, nil
		}
		m := vals[0]
		for _, v := range vals[1:] {
			if v > m {
				m = v
			}
		}
		return m, nil
	}
	return nil, errs.New(errs.ParseError, "unknown aggregate function %q", fc.Name)
}

// evalAggregated groups rows by s.GroupBy (a single implicit group
// when empty but aggregates are present), applies HAVING, and returns
// one execRow per surviving group with every SELECT item's value
// (including aggregates) pre-computed under its output label so later
// pipeline stages (ORDER BY, projection) can treat it like any other
// row.
func (e *Engine) evalAggregated(s *Select, rows []execRow) ([]execRow, error) {
	type group struct {
		rows []execRow
	}
	order := make([]string, 0)
	groups := make(map[string]*group)
	for _, r := range rows {
		var keyParts []string
		for _, ge := range s.GroupBy {
			v, err := evalExpr(evalCtx{row: r}, ge)
			if err != nil {
				return nil, err
			}
			keyParts = append(keyParts, fmt.Sprint(v))
		}
		key := strings.Join(keyParts, "\x1f")
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			order = append(order, key)
		}
		g.rows = append(g.rows, r)
	}
	if len(groups) == 0 && len(rows) == 0 && len(s.GroupBy) == 0 {
		groups[""] = &group{}
		order = append(order, "")
	}

	var out []execRow
	for _, key := range order {
		g := groups[key]
		ctx := evalCtx{rows: g.rows}
		if len(g.rows) > 0 {
			ctx.row = g.rows[0]
		}
		if s.Having != nil {
			v, err := evalExpr(ctx, s.Having)
			if err != nil {
				return nil, err
			}
			if !toBool(v) {
				continue
			}
		}
		result := make(execRow, len(s.Items))
		for _, item := range s.Items {
			if item.Star {
				continue
			}
			label := outputLabel(item)
			v, err := evalExpr(ctx, item.Expr)
			if err != nil {
				return nil, err
			}
			result[label] = v
		}
		out = append(out, result)
	}
	return out, nil
}

func outputLabel(item SelectItem) string {
	if item.Alias != "" {
		return item.Alias
	}
	switch x := item.Expr.(type) {
	case ColRef:
		if x.Table != "" {
			return x.Table + "." + x.Name
		}
		return x.Name
	case FuncCall:
		if x.Star {
			return x.Name + "(*)"
		}
		return x.Name + "(" + outputLabel(SelectItem{Expr: x.Arg}) + ")"
	default:
		return "?column?"
	}
}

// project builds the final ResultSet, expanding `*` against the
// source tables' schemas in FROM/JOIN order.
func (e *Engine) project(s *Select, rows []execRow) (*ResultSet, error) {
	hasStar := false
	for _, it := range s.Items {
		if it.Star {
			hasStar = true
			break
		}
	}

	var starCols []struct{ label, col, key string }
	if hasStar {
		refs := append([]TableRef{s.From}, joinTables(s.Joins)...)
		single := len(refs) == 1
		for _, ref := range refs {
			schema, err := e.tables.Schema(ref.Name)
			if err != nil {
				return nil, err
			}
			for _, def := range schema.Columns {
				label := ref.label()
				outName := def.Name
				if !single {
					outName = label + "." + def.Name
				}
				starCols = append(starCols, struct{ label, col, key string }{label, def.Name, outName})
			}
		}
	}

	var columns []string
	for _, it := range s.Items {
		if it.Star {
			for _, sc := range starCols {
				columns = append(columns, sc.key)
			}
			continue
		}
		columns = append(columns, outputLabel(it))
	}

	rs := &ResultSet{Columns: columns}
	for _, r := range rows {
		out := make(map[string]any, len(columns))
		for _, it := range s.Items {
			if it.Star {
				for _, sc := range starCols {
					out[sc.key] = r[sc.label+"."+sc.col]
				}
				continue
			}
			label := outputLabel(it)
			if v, ok := r[label]; ok {
				out[label] = v
				continue
			}
			v, err := evalExpr(evalCtx{row: r}, it.Expr)
			if err != nil {
				return nil, err
			}
			out[label] = v
		}
		rs.Rows = append(rs.Rows, out)
	}
	return rs, nil
}

func joinTables(joins []Join) []TableRef {
	refs := make([]TableRef, len(joins))
	for i, j := range joins {
		refs[i] = j.Table
	}
	return refs
}

// resolveSubqueries replaces every `x IN (SELECT ...)` node in expr
// with an InList of the subquery's materialized first-column values.
// Subqueries are run once, non-correlated (they do not see the outer
// query's row), so no per-outer-row re-execution plan is needed.
func (e *Engine) resolveSubqueries(expr Expr) (Expr, error) {
	switch x := expr.(type) {
	case InSubquery:
		rs, err := e.execSelect(x.Sub)
		if err != nil {
			return nil, err
		}
		if len(rs.Columns) == 0 {
			return InList{X: x.X, Negate: x.Negate}, nil
		}
		col := rs.Columns[0]
		vals := make([]Expr, 0, len(rs.Rows))
		for _, r := range rs.Rows {
			vals = append(vals, Literal{Val: r[col]})
		}
		return InList{X: x.X, Vals: vals, Negate: x.Negate}, nil
	case Binary:
		l, err := e.resolveSubqueries(x.L)
		if err != nil {
			return nil, err
		}
		r, err := e.resolveSubqueries(x.R)
		if err != nil {
			return nil, err
		}
		x.L, x.R = l, r
		return x, nil
	case Unary:
		inner, err := e.resolveSubqueries(x.X)
		if err != nil {
			return nil, err
		}
		x.X = inner
		return x, nil
	case IsNullExpr:
		inner, err := e.resolveSubqueries(x.X)
		if err != nil {
			return nil, err
		}
		x.X = inner
		return x, nil
	default:
		return expr, nil
	}
}

func (e *Engine) execInsert(ins *Insert) (*ResultSet, error) {
	schema, err := e.tables.Schema(ins.Table)
	if err != nil {
		return nil, err
	}
	cols := ins.Cols
	if len(cols) == 0 {
		for _, def := range schema.Columns {
			cols = append(cols, def.Name)
		}
	}
	var rows []columnar.Row
	for _, valExprs := range ins.Rows {
		if len(valExprs) != len(cols) {
			return nil, errs.New(errs.InvalidArgument, "column count %d does not match value count %d", len(cols), len(valExprs))
		}
		row := make(columnar.Row, len(cols))
		for i, ve := range valExprs {
			v, err := evalExpr(evalCtx{}, ve)
			if err != nil {
				return nil, err
			}
			row[cols[i]] = v
		}
		rows = append(rows, row)
	}
	if err := e.tables.InsertRows(ins.Table, rows); err != nil {
		return nil, err
	}
	return &ResultSet{Columns: []string{"inserted"}, Rows: []map[string]any{{"inserted": int64(len(rows))}}}, nil
}

// execUpdate and execDelete rewrite the whole table: column chunks
// are append-only and seal immutably, so a row-level
// update/delete is expressed as scan-filter-reinsert rather than an
// in-place mutation, the same way a columnar engine's "copy-on-write"
// compaction works.
func (e *Engine) execUpdate(u *Update) (*ResultSet, error) {
	schema, err := e.tables.Schema(u.Table)
	if err != nil {
		return nil, err
	}
	rows, err := e.tables.Query(u.Table, nil, nil, 0)
	if err != nil {
		return nil, err
	}
	var updated int64
	newRows := make([]columnar.Row, 0, len(rows))
	for _, r := range rows {
		er := execRow(r)
		matches := u.Where == nil
		if !matches {
			v, err := evalExpr(evalCtx{row: er}, u.Where)
			if err != nil {
				return nil, err
			}
			matches = toBool(v)
		}
		if matches {
			updated++
			for col, ve := range u.Sets {
				v, err := evalExpr(evalCtx{row: er}, ve)
				if err != nil {
					return nil, err
				}
				r[col] = v
			}
		}
		newRows = append(newRows, r)
	}
	if err := e.rewriteTable(u.Table, schema, newRows); err != nil {
		return nil, err
	}
	return &ResultSet{Columns: []string{"updated"}, Rows: []map[string]any{{"updated": updated}}}, nil
}

func (e *Engine) execDelete(d *Delete) (*ResultSet, error) {
	schema, err := e.tables.Schema(d.Table)
	if err != nil {
		return nil, err
	}
	rows, err := e.tables.Query(d.Table, nil, nil, 0)
	if err != nil {
		return nil, err
	}
	var deleted int64
	kept := make([]columnar.Row, 0, len(rows))
	for _, r := range rows {
		er := execRow(r)
		matches := d.Where == nil
		if !matches {
			v, err := evalExpr(evalCtx{row: er}, d.Where)
			if err != nil {
				return nil, err
			}
			matches = toBool(v)
		}
		if matches {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	if err := e.rewriteTable(d.Table, schema, kept); err != nil {
		return nil, err
	}
	return &ResultSet{Columns: []string{"deleted"}, Rows: []map[string]any{{"deleted": deleted}}}, nil
}

func (e *Engine) rewriteTable(name string, schema columnar.Schema, rows []columnar.Row) error {
	if err := e.tables.DropTable(name); err != nil {
		return err
	}
	if err := e.tables.CreateTable(name, schema); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	return e.tables.InsertRows(name, rows)
}
