// forgecache is a distributed, content-addressed, incrementally cached build execution engine.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package dirtranslate rewrites path prefixes (the C9 component):
// junction/subst-style translation applied uniformly across
// fingerprinting, sandbox access reporting, and materialization.
package dirtranslate

import (
	"fmt"
	"sort"
	"strings"
)

// Rule is one source-prefix -> target-prefix rewrite.
type Rule struct {
	Source string
	Target string
}

// Translator holds an ordered, sealed set of translation rules.
type Translator struct {
	rules  []Rule
	sealed bool
}

// New returns an empty, unsealed Translator.
func New() *Translator {
	return &Translator{}
}

// AddRule registers a rule. Must be called before Seal.
func (t *Translator) AddRule(source, target string) error {
	if t.sealed {
		return fmt.Errorf("dirtranslate: cannot add rule after Seal")
	}
	if source == "" || target == "" {
		return fmt.Errorf("dirtranslate: source and target must be non-empty")
	}
	t.rules = append(t.rules, Rule{Source: normalize(source), Target: normalize(target)})
	return nil
}

// CycleError reports a cycle discovered at Seal time.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle in directory translations: %s", strings.Join(e.Chain, " -> "))
}

// Seal validates acyclicity (a rule's target must never, transitively,
// match back to one of its ancestors' sources) and freezes the rule set
// in longest-source-prefix-first order for Translate. Cycles are
// detected by DFS over the rule graph, reported in source-prefix order.
func (t *Translator) Seal() error {
	if t.sealed {
		return nil
	}

	bySource := map[string]Rule{}
	sources := make([]string, 0, len(t.rules))
	for _, r := range t.rules {
		bySource[r.Source] = r
		sources = append(sources, r.Source)
	}
	sort.Strings(sources)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var chain []string

	var visit func(src string) error
	visit = func(src string) error {
		color[src] = gray
		chain = append(chain, src)
		if r, ok := bySource[src]; ok {
			if next, ok := bySource[r.Target]; ok {
				switch color[next.Source] {
				case gray:
					// close the chain at the repeated node
					start := indexOf(chain, next.Source)
					cycle := append([]string{}, chain[start:]...)
					cycle = append(cycle, next.Source)
					return &CycleError{Chain: cycle}
				case white:
					if err := visit(next.Source); err != nil {
						return err
					}
				}
			}
		}
		chain = chain[:len(chain)-1]
		color[src] = black
		return nil
	}

	for _, src := range sources {
		if color[src] == white {
			if err := visit(src); err != nil {
				return err
			}
		}
	}

	sort.SliceStable(t.rules, func(i, j int) bool {
		return len(t.rules[i].Source) > len(t.rules[j].Source)
	})
	t.sealed = true
	return nil
}

func indexOf(s []string, v string) int {
	for i, e := range s {
		if e == v {
			return i
		}
	}
	return -1
}

// Translate rewrites path using the longest matching source prefix.
// Malformed inputs (empty, bare drive letters, `\\?\` and `\??\`
// prefixed paths) are passed through unchanged, matching hosts where
// these forms must never participate in translation.
func (t *Translator) Translate(path string) string {
	if isMalformed(path) {
		return path
	}
	norm := normalize(path)
	for _, r := range t.rules {
		if norm == r.Source || strings.HasPrefix(norm, r.Source+"/") {
			return r.Target + norm[len(r.Source):]
		}
	}
	return path
}

func normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimRight(p, "/")
}

func isMalformed(p string) bool {
	if p == "" {
		return true
	}
	if strings.HasPrefix(p, `\??\`) || strings.HasPrefix(p, `\\?\`) {
		return true
	}
	// bare drive letter, e.g. "C:" or "C:\" with nothing after it
	if len(p) <= 3 && len(p) >= 2 && p[1] == ':' {
		return true
	}
	return false
}
