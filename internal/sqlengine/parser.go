package sqlengine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/VanitasCaesar1/mantisdb/internal/errs"
)

type parser struct {
	lx   *lexer
	cur  token
	peek token
}

func newParser(sql string) *parser {
	p := &parser{lx: newLexer(sql)}
	p.cur = p.lx.next()
	p.peek = p.lx.next()
	return p
}

func (p *parser) advance() { p.cur, p.peek = p.peek, p.lx.next() }

func (p *parser) errf(format string, a ...any) error {
	return errs.New(errs.ParseError, "near %q: %s", p.cur.val, fmt.Sprintf(format, a...))
}

func (p *parser) isKeyword(kw string) bool { return p.cur.kind == tKeyword && p.cur.val == kw }
func (p *parser) isSymbol(sym string) bool { return p.cur.kind == tSymbol && p.cur.val == sym }

func (p *parser) expectSymbol(sym string) error {
	if p.isSymbol(sym) {
		p.advance()
		return nil
	}
	return p.errf("expected %q", sym)
}

func (p *parser) expectKeyword(kw string) error {
	if p.isKeyword(kw) {
		p.advance()
		return nil
	}
	return p.errf("expected %q", kw)
}

// ident accepts a plain identifier.
func (p *parser) ident() (string, error) {
	if p.cur.kind == tIdent {
		v := p.cur.val
		p.advance()
		return v, nil
	}
	return "", p.errf("expected identifier")
}

// Parse parses one SQL statement.
func Parse(sql string) (Statement, error) {
	p := newParser(strings.TrimSpace(sql))
	switch {
	case p.isKeyword("select"):
		return p.parseSelect()
	case p.isKeyword("insert"):
		return p.parseInsert()
	case p.isKeyword("update"):
		return p.parseUpdate()
	case p.isKeyword("delete"):
		return p.parseDelete()
	default:
		return nil, p.errf("expected SELECT, INSERT, UPDATE, or DELETE")
	}
}

func (p *parser) parseSelect() (*Select, error) {
	if err := p.expectKeyword("select"); err != nil {
		return nil, err
	}
	sel := &Select{}
	for {
		if p.isSymbol("*") {
			p.advance()
			sel.Items = append(sel.Items, SelectItem{Star: true})
		} else {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			item := SelectItem{Expr: e}
			if p.isKeyword("as") {
				p.advance()
				alias, err := p.ident()
				if err != nil {
					return nil, err
				}
				item.Alias = alias
			}
			sel.Items = append(sel.Items, item)
		}
		if p.isSymbol(",") {
			p.advance()
			continue
		}
		break
	}

	if err := p.expectKeyword("from"); err != nil {
		return nil, err
	}
	from, err := p.parseTableRef()
	if err != nil {
		return nil, err
	}
	sel.From = from

	for p.isKeyword("join") || p.isKeyword("inner") || p.isKeyword("left") || p.isKeyword("right") {
		jt := JoinInner
		switch {
		case p.isKeyword("inner"):
			p.advance()
		case p.isKeyword("left"):
			p.advance()
			jt = JoinLeft
			if p.isKeyword("outer") {
				p.advance()
			}
		case p.isKeyword("right"):
			p.advance()
			jt = JoinRight
			if p.isKeyword("outer") {
				p.advance()
			}
		}
		if err := p.expectKeyword("join"); err != nil {
			return nil, err
		}
		tbl, err := p.parseTableRef()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("on"); err != nil {
			return nil, err
		}
		on, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		sel.Joins = append(sel.Joins, Join{Type: jt, Table: tbl, On: on})
	}

	if p.isKeyword("where") {
		p.advance()
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		sel.Where = w
	}

	if p.isKeyword("group") {
		p.advance()
		if err := p.expectKeyword("by"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			sel.GroupBy = append(sel.GroupBy, e)
			if p.isSymbol(",") {
				p.advance()
				continue
			}
			break
		}
	}

	if p.isKeyword("having") {
		p.advance()
		h, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		sel.Having = h
	}

	if p.isKeyword("order") {
		p.advance()
		if err := p.expectKeyword("by"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			item := OrderItem{Expr: e}
			if p.isKeyword("desc") {
				p.advance()
				item.Desc = true
			} else if p.isKeyword("asc") {
				p.advance()
			}
			sel.OrderBy = append(sel.OrderBy, item)
			if p.isSymbol(",") {
				p.advance()
				continue
			}
			break
		}
	}

	if p.isKeyword("limit") {
		p.advance()
		n, err := p.parseIntLiteral()
		if err != nil {
			return nil, err
		}
		sel.Limit = n
		sel.HasLimit = true
	}
	if p.isKeyword("offset") {
		p.advance()
		n, err := p.parseIntLiteral()
		if err != nil {
			return nil, err
		}
		sel.Offset = n
	}
	return sel, nil
}

func (p *parser) parseIntLiteral() (int, error) {
	if p.cur.kind != tNumber {
		return 0, p.errf("expected number")
	}
	n, err := strconv.Atoi(p.cur.val)
	if err != nil {
		return 0, p.errf("invalid integer %q", p.cur.val)
	}
	p.advance()
	return n, nil
}

func (p *parser) parseTableRef() (TableRef, error) {
	name, err := p.ident()
	if err != nil {
		return TableRef{}, err
	}
	tr := TableRef{Name: name}
	if p.isKeyword("as") {
		p.advance()
		alias, err := p.ident()
		if err != nil {
			return TableRef{}, err
		}
		tr.Alias = alias
	} else if p.cur.kind == tIdent {
		tr.Alias = p.cur.val
		p.advance()
	}
	return tr, nil
}

func (p *parser) parseInsert() (*Insert, error) {
	if err := p.expectKeyword("insert"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("into"); err != nil {
		return nil, err
	}
	table, err := p.ident()
	if err != nil {
		return nil, err
	}
	ins := &Insert{Table: table}
	if p.isSymbol("(") {
		p.advance()
		for {
			col, err := p.ident()
			if err != nil {
				return nil, err
			}
			ins.Cols = append(ins.Cols, col)
			if p.isSymbol(",") {
				p.advance()
				continue
			}
			break
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
	}
	if err := p.expectKeyword("values"); err != nil {
		return nil, err
	}
	for {
		if err := p.expectSymbol("("); err != nil {
			return nil, err
		}
		var row []Expr
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			row = append(row, e)
			if p.isSymbol(",") {
				p.advance()
				continue
			}
			break
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		ins.Rows = append(ins.Rows, row)
		if p.isSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	return ins, nil
}

func (p *parser) parseUpdate() (*Update, error) {
	if err := p.expectKeyword("update"); err != nil {
		return nil, err
	}
	table, err := p.ident()
	if err != nil {
		return nil, err
	}
	upd := &Update{Table: table, Sets: make(map[string]Expr)}
	if err := p.expectKeyword("set"); err != nil {
		return nil, err
	}
	for {
		col, err := p.ident()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol("="); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		upd.Sets[col] = val
		if p.isSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if p.isKeyword("where") {
		p.advance()
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		upd.Where = w
	}
	return upd, nil
}

func (p *parser) parseDelete() (*Delete, error) {
	if err := p.expectKeyword("delete"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("from"); err != nil {
		return nil, err
	}
	table, err := p.ident()
	if err != nil {
		return nil, err
	}
	del := &Delete{Table: table}
	if p.isKeyword("where") {
		p.advance()
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		del.Where = w
	}
	return del, nil
}

// --- expressions, lowest to highest precedence: OR, AND, comparison,
// additive, multiplicative, unary, primary ---

func (p *parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *parser) parseOr() (Expr, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") {
		p.advance()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = Binary{Op: "or", L: l, R: r}
	}
	return l, nil
}

func (p *parser) parseAnd() (Expr, error) {
	l, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") {
		p.advance()
		r, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		l = Binary{Op: "and", L: l, R: r}
	}
	return l, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.isKeyword("not") {
		p.advance()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return Unary{Op: "not", X: x}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, error) {
	l, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if p.isKeyword("is") {
		p.advance()
		negate := false
		if p.isKeyword("not") {
			p.advance()
			negate = true
		}
		if err := p.expectKeyword("null"); err != nil {
			return nil, err
		}
		return IsNullExpr{X: l, Negate: negate}, nil
	}
	if p.isKeyword("not") && p.peek.kind == tKeyword && p.peek.val == "in" {
		p.advance()
		return p.parseIn(l, true)
	}
	if p.isKeyword("in") {
		return p.parseIn(l, false)
	}
	if p.cur.kind == tSymbol && isCompareOp(p.cur.val) {
		op := p.cur.val
		p.advance()
		r, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return Binary{Op: op, L: l, R: r}, nil
	}
	return l, nil
}

func isCompareOp(s string) bool {
	switch s {
	case "=", "!=", "<>", "<", "<=", ">", ">=":
		return true
	}
	return false
}

func (p *parser) parseIn(l Expr, negate bool) (Expr, error) {
	if err := p.expectKeyword("in"); err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	if p.isKeyword("select") {
		sub, err := p.parseSelect()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return InSubquery{X: l, Sub: sub, Negate: negate}, nil
	}
	var vals []Expr
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		vals = append(vals, e)
		if p.isSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return InList{X: l, Vals: vals, Negate: negate}, nil
}

func (p *parser) parseAdditive() (Expr, error) {
	l, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tSymbol && (p.cur.val == "+" || p.cur.val == "-") {
		op := p.cur.val
		p.advance()
		r, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		l = Binary{Op: op, L: l, R: r}
	}
	return l, nil
}

func (p *parser) parseMultiplicative() (Expr, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tSymbol && (p.cur.val == "*" || p.cur.val == "/") {
		op := p.cur.val
		p.advance()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = Binary{Op: op, L: l, R: r}
	}
	return l, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.isSymbol("-") {
		p.advance()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Unary{Op: "-", X: x}, nil
	}
	return p.parsePrimary()
}

var aggFuncs = map[string]bool{"count": true, "sum": true, "min": true, "max": true, "avg": true}

func (p *parser) parsePrimary() (Expr, error) {
	switch {
	case p.cur.kind == tNumber:
		v := p.cur.val
		p.advance()
		if strings.Contains(v, ".") {
			f, _ := strconv.ParseFloat(v, 64)
			return Literal{Val: f}, nil
		}
		n, _ := strconv.ParseInt(v, 10, 64)
		return Literal{Val: n}, nil
	case p.cur.kind == tString:
		v := p.cur.val
		p.advance()
		return Literal{Val: v}, nil
	case p.isKeyword("true"):
		p.advance()
		return Literal{Val: true}, nil
	case p.isKeyword("false"):
		p.advance()
		return Literal{Val: false}, nil
	case p.isKeyword("null"):
		p.advance()
		return Literal{Val: nil}, nil
	case p.isSymbol("("):
		p.advance()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return e, nil
	case p.cur.kind == tIdent || (p.cur.kind == tKeyword && aggFuncs[p.cur.val]):
		name := p.cur.val
		p.advance()
		if p.isSymbol("(") {
			p.advance()
			fc := FuncCall{Name: strings.ToLower(name)}
			if p.isSymbol("*") {
				p.advance()
				fc.Star = true
			} else {
				arg, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				fc.Arg = arg
			}
			if err := p.expectSymbol(")"); err != nil {
				return nil, err
			}
			return fc, nil
		}
		if p.isSymbol(".") {
			p.advance()
			col, err := p.ident()
			if err != nil {
				return nil, err
			}
			return ColRef{Table: name, Name: col}, nil
		}
		return ColRef{Name: name}, nil
	}
	return nil, p.errf("unexpected token")
}
