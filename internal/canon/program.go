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

// Package canon implements program and schedule canonicalisation: the
// normalisation, validation and hashing rules that derive a record's
// content-addressed key.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// NormalizeProgram strips everything from source that does not affect its
// semantic identity: block comments, line comments, #include directives and
// all whitespace. The result is never stored — only hashed.
func NormalizeProgram(source string) string {
	s := stripBlockComments(source)
	s = stripLineComments(s)
	s = stripIncludeLines(s)
	s = stripWhitespace(s)
	return s
}

// ProgramHash returns the lower-case hex SHA-256 digest of the normalised
// source. It is the primary identity of a Program.
func ProgramHash(source string) string {
	sum := sha256.Sum256([]byte(NormalizeProgram(source)))
	return hex.EncodeToString(sum[:])
}

// stripBlockComments removes /* ... */ comments, non-greedily, across lines.
func stripBlockComments(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		if i+1 < len(s) && s[i] == '/' && s[i+1] == '*' {
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				// Unterminated block comment: drop the remainder.
				break
			}
			i += 2 + end + 2
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

// stripLineComments removes // to end of line.
func stripLineComments(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if idx := strings.Index(line, "//"); idx >= 0 {
			lines[i] = line[:idx]
		}
	}
	return strings.Join(lines, "\n")
}

// stripIncludeLines removes every line whose first non-whitespace token is
// "#include".
func stripIncludeLines(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimLeft(line, " \t\r"), "#include") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// stripWhitespace removes every whitespace rune (spaces, tabs, CR, LF, and
// any other Unicode whitespace) from s.
func stripWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
