package exchange

import "fmt"

// Query filters objects by their dictionary form. Filters combine in a
// fixed order: All short-circuits to a match, then Expr and Contains
// can veto, and finally every Match pair must hold. A query whose
// Match set is empty never matches unless All is set, so "list
// everything" is always an explicit choice.
type Query struct {
	// All matches every object, overriding the other filters.
	All bool

	// Expr is an arbitrary predicate over the object's dictionary.
	Expr func(map[string]any) bool

	// Contains requires all named attributes to be present.
	Contains []string

	// Match requires each key to equal the given value. Values are
	// compared by their string forms, so numeric wire types and local
	// types compare equal.
	Match map[string]any
}

// Matches applies the query to one object dictionary.
func (q Query) Matches(d map[string]any) bool {
	if q.All {
		return true
	}

	if q.Expr != nil && !q.Expr(d) {
		return false
	}

	for _, attr := range q.Contains {
		if _, ok := d[attr]; !ok {
			return false
		}
	}

	if len(q.Match) == 0 {
		return false
	}

	for k, want := range q.Match {
		got, ok := d[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}

	return true
}
