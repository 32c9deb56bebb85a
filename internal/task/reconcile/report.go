package reconcile

import (
	"fmt"
	"html"
	"sort"
	"strings"
)

// Count is the per-category tally of one run. It is never persisted.
type Count struct {
	Added   int
	Removed int
	Total   int
}

func (c Count) Changed() bool { return c.Added > 0 || c.Removed > 0 }

type Counts map[string]*Count

func (c Counts) get(category string) *Count {
	v, ok := c[category]
	if !ok {
		v = &Count{}
		c[category] = v
	}
	return v
}

func (c Counts) Added() int {
	n := 0
	for _, v := range c {
		n += v.Added
	}
	return n
}

func (c Counts) Removed() int {
	n := 0
	for _, v := range c {
		n += v.Removed
	}
	return n
}

func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v.Total
	}
	return n
}

func (c Counts) Changed() bool {
	for _, v := range c {
		if v.Changed() {
			return true
		}
	}
	return false
}

// BuildReport renders changed categories and a TOTAL row as a fixed-width
// table inside an HTML pre block. It returns "" when nothing changed.
func BuildReport(c Counts) string {
	if !c.Changed() {
		return ""
	}

	cats := make([]string, 0, len(c))
	catLen := len("CATEGORY")
	for k, v := range c {
		catLen = max(catLen, len(k))
		if v.Changed() {
			cats = append(cats, k)
		}
	}
	sort.Strings(cats)
	numLen := len("REMOVED")

	var sb strings.Builder
	row := func(cat string, a, b, t string) {
		fmt.Fprintf(&sb, "%-*s  %*s  %*s  %*s\n", catLen, cat, numLen, a, numLen, b, numLen, t)
	}
	row("CATEGORY", "ADDED", "REMOVED", "TOTAL")
	rule := strings.Repeat("=", numLen)
	row(strings.Repeat("=", catLen), rule, rule, rule)
	for _, k := range cats {
		v := c[k]
		row(k, fmt.Sprint(v.Added), fmt.Sprint(v.Removed), fmt.Sprint(v.Total))
	}
	row("TOTAL", fmt.Sprint(c.Added()), fmt.Sprint(c.Removed()), fmt.Sprint(c.Total()))
	return "<pre>" + html.EscapeString(sb.String()) + "</pre>"
}
