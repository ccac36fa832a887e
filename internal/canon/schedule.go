// Copyright 2026 The TiraStore Authors
// This file is part of TiraStore.
//
// TiraStore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// TiraStore is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with TiraStore. If not, see <http://www.gnu.org/licenses/>.

package canon

import (
	"fmt"
	"strings"
)

// arity lists, for each recognised transformation tag, the number of
// positional arguments it takes (exclusive of the trailing comps= clause).
// This is the closed set from the schedule grammar.
var arity = map[string]int{
	"S":  4, // 2 loop IDs + 2 factors
	"I":  2,
	"R":  1,
	"P":  1,
	"T2": 4,
	"T3": 6,
	"U":  2,
	"F":  2,
}

// Atom is one transformation in a schedule: a tag, its positional arguments
// (kept as their original token text — either a decimal integer or a loop-id
// identifier such as "L0"), and the optional set of computation identifiers
// it applies to.
type Atom struct {
	Tag   string
	Args  []string
	Comps []string
}

// Normalize renders the atom in canonical form: no internal whitespace,
// comp identifiers single-quoted, comps clause last when present.
func (a Atom) Normalize() string {
	var b strings.Builder
	b.WriteString(a.Tag)
	b.WriteByte('(')
	b.WriteString(strings.Join(a.Args, ","))
	if len(a.Comps) > 0 {
		if len(a.Args) > 0 {
			b.WriteByte(',')
		}
		b.WriteString("comps=[")
		for i, c := range a.Comps {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteByte('\'')
			b.WriteString(c)
			b.WriteByte('\'')
		}
		b.WriteByte(']')
	}
	b.WriteByte(')')
	return b.String()
}

// ParseSchedule parses a raw schedule string into its sequence of atoms. An
// empty (or all-whitespace) string parses to a nil slice — the identity
// schedule. Parsing doubles as validation: per the design note in spec §9,
// a schedule is valid exactly when it parses, so there is no separate
// grammar check to fall out of sync with this parser.
func ParseSchedule(raw string) ([]Atom, error) {
	s := raw
	var atoms []Atom
	for {
		s = strings.TrimLeft(s, " \t\r\n")
		if s == "" {
			break
		}
		name, rest, err := readName(s)
		if err != nil {
			return nil, err
		}
		if _, ok := arity[name]; !ok {
			return nil, fmt.Errorf("unknown transformation tag %q", name)
		}
		rest = strings.TrimLeft(rest, " \t\r\n")
		if rest == "" || rest[0] != '(' {
			return nil, fmt.Errorf("%s: expected '(' after tag", name)
		}
		inner, tail, err := readParenGroup(rest)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		atom, err := parseAtomBody(name, inner)
		if err != nil {
			return nil, err
		}
		atoms = append(atoms, atom)
		s = tail
	}
	return atoms, nil
}

// ValidateSchedule reports whether raw is a syntactically valid schedule and,
// if not, a human-readable reason.
func ValidateSchedule(raw string) (bool, string) {
	if _, err := ParseSchedule(raw); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// NormalizeSchedule parses and re-renders raw in canonical form.
func NormalizeSchedule(raw string) (string, error) {
	atoms, err := ParseSchedule(raw)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, a := range atoms {
		b.WriteString(a.Normalize())
	}
	return b.String(), nil
}

func readName(s string) (name string, rest string, err error) {
	i := 0
	for i < len(s) && isNameByte(s[i]) {
		i++
	}
	if i == 0 {
		return "", "", fmt.Errorf("expected a transformation tag, found %q", firstRune(s))
	}
	return s[:i], s[i:], nil
}

func isNameByte(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// readParenGroup consumes a balanced "(...)" group starting at s[0] == '('
// and returns its inner content plus whatever follows the closing paren.
// Square brackets nested inside (the comps= clause) are copied through
// verbatim; only parens affect nesting depth.
func readParenGroup(s string) (inner string, tail string, err error) {
	if s == "" || s[0] != '(' {
		return "", "", fmt.Errorf("expected '('")
	}
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return s[1:i], s[i+1:], nil
			}
		}
	}
	return "", "", fmt.Errorf("unbalanced parentheses")
}

func parseAtomBody(tag, body string) (Atom, error) {
	items, err := splitTopLevel(body)
	if err != nil {
		return Atom{}, fmt.Errorf("%s: %w", tag, err)
	}
	var args []string
	var comps []string
	sawComps := false
	for idx, raw := range items {
		item := strings.TrimSpace(raw)
		if item == "" {
			if len(items) == 1 {
				// NAME() with no arguments at all.
				continue
			}
			return Atom{}, fmt.Errorf("%s: empty argument", tag)
		}
		if strings.HasPrefix(item, "comps") {
			if idx != len(items)-1 {
				return Atom{}, fmt.Errorf("%s: comps= must be the last clause", tag)
			}
			comps, err = parseComps(tag, item)
			if err != nil {
				return Atom{}, err
			}
			sawComps = true
			continue
		}
		if sawComps {
			return Atom{}, fmt.Errorf("%s: positional argument after comps=", tag)
		}
		if !isValidArgToken(item) {
			return Atom{}, fmt.Errorf("%s: invalid positional argument %q", tag, item)
		}
		args = append(args, item)
	}
	want := arity[tag]
	if len(args) != want {
		return Atom{}, fmt.Errorf("%s: expected %d positional argument(s), got %d", tag, want, len(args))
	}
	return Atom{Tag: tag, Args: args, Comps: comps}, nil
}

// isValidArgToken accepts either a signed decimal integer or a loop-id
// identifier of the form used by the source grammar's loop references
// (e.g. "L0"). See DESIGN.md for why both forms are accepted.
func isValidArgToken(s string) bool {
	if _, ok := parseInt64(s); ok {
		return true
	}
	return isIdentifier(s)
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func parseComps(tag, item string) ([]string, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(item, "comps"))
	rest = strings.TrimSpace(strings.TrimPrefix(rest, "="))
	if len(rest) < 2 || rest[0] != '[' || rest[len(rest)-1] != ']' {
		return nil, fmt.Errorf("%s: malformed comps= clause", tag)
	}
	inner := rest[1 : len(rest)-1]
	parts, err := splitTopLevel(inner)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tag, err)
	}
	var comps []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		comps = append(comps, unquoteCompID(p))
	}
	return comps, nil
}

func unquoteCompID(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// splitTopLevel splits s on commas that are not nested inside a "[...]"
// group, trimming nothing (callers trim individual items).
func splitTopLevel(s string) ([]string, error) {
	var items []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced brackets")
			}
		case ',':
			if depth == 0 {
				items = append(items, s[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced brackets")
	}
	items = append(items, s[start:])
	return items, nil
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}
