package document

// Op is a condition operator.
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
	And
	Or
)

// Condition is a node in a query's condition tree. Leaf nodes (Eq,
// Ne, ...) test Path against Value/Values/Lo-Hi; And/Or combine Sub
// nodes. A nil *Condition matches every document.
type Condition struct {
	Op     Op
	Path   string
	Value  any
	Values []any
	Lo, Hi any
	Sub    []Condition
}

// matches evaluates c against a decoded document value.
func (c *Condition) matches(doc map[string]any) bool {
	if c == nil {
		return true
	}
	switch c.Op {
	case And:
		for i := range c.Sub {
			if !c.Sub[i].matches(doc) {
				return false
			}
		}
		return true
	case Or:
		for i := range c.Sub {
			if c.Sub[i].matches(doc) {
				return true
			}
		}
		return false
	}

	v, ok := getPath(doc, c.Path)
	switch c.Op {
	case Eq:
		return ok && compareEqual(v, c.Value)
	case Ne:
		return !ok || !compareEqual(v, c.Value)
	case Gt, Gte, Lt, Lte:
		if !ok {
			return false
		}
		cmp, cok := compare(v, c.Value)
		if !cok {
			return false
		}
		switch c.Op {
		case Gt:
			return cmp > 0
		case Gte:
			return cmp >= 0
		case Lt:
			return cmp < 0
		case Lte:
			return cmp <= 0
		}
	case In:
		if !ok {
			return false
		}
		for _, cand := range c.Values {
			if compareEqual(v, cand) {
				return true
			}
		}
		return false
	case Range:
		if !ok {
			return false
		}
		lo, lok := compare(v, c.Lo)
		hi, hok := compare(v, c.Hi)
		return lok && hok && lo >= 0 && hi <= 0
	}
	return false
}

// indexablePath reports the single equality/range path this condition
// narrows on, if any, for the planner's index-vs-scan choice: an index
// is used when a conjunct matches an indexed path.
func (c *Condition) indexablePath() (path string, op Op, ok bool) {
	if c == nil {
		return "", 0, false
	}
	switch c.Op {
	case Eq, Gt, Gte, Lt, Lte, Range:
		return c.Path, c.Op, true
	case And:
		for i := range c.Sub {
			if p, o, ok := c.Sub[i].indexablePath(); ok {
				return p, o, true
			}
		}
	}
	return "", 0, false
}

func compareEqual(a, b any) bool {
	c, ok := compare(a, b)
	return ok && c == 0
}

func compare(a, b any) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
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
		if !ab {
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Sort orders results by Path, ascending unless Desc.
type Sort struct {
	Path string
	Desc bool
}

// PipelineStage is one stage of an Aggregate call: Match, Sort,
// Limit, Skip, or Project.
type PipelineStage struct {
	Match   *Condition
	Sort    *Sort
	Limit   int
	Skip    int
	Project []string
}
