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

package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// Result is the measurement payload attached to a record: legality of the
// schedule and the wall-clock execution times observed for it.
type Result struct {
	IsLegal        bool
	ExecutionTimes []float64
}

// EncodeJSON renders r in the same hand-rolled, field-order-stable style as
// internal/canon's record-key JSON, for the same reason: result_json is
// compared and re-derived byte-for-byte across nodes, so encoding/json's
// unspecified map and struct-tag formatting is not good enough.
func (r Result) EncodeJSON() string {
	var b strings.Builder
	b.WriteString(`{"is_legal":`)
	if r.IsLegal {
		b.WriteString("true")
	} else {
		b.WriteString("false")
	}
	b.WriteString(`,"execution_times":`)
	if r.ExecutionTimes == nil {
		b.WriteString("null}")
		return b.String()
	}
	b.WriteByte('[')
	for i, t := range r.ExecutionTimes {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	}
	b.WriteString("]}")
	return b.String()
}

// DecodeResultJSON parses the output of EncodeJSON. It does not accept
// arbitrary JSON: only the exact shape EncodeJSON produces, which is all
// that ever reaches it since result_json is never written by any other
// path.
func DecodeResultJSON(s string) (Result, error) {
	var r Result
	const legalPrefix = `{"is_legal":`
	if !strings.HasPrefix(s, legalPrefix) {
		return r, fmt.Errorf("storage: malformed result_json: missing is_legal")
	}
	rest := s[len(legalPrefix):]
	switch {
	case strings.HasPrefix(rest, "true,"):
		r.IsLegal = true
		rest = rest[len("true,"):]
	case strings.HasPrefix(rest, "false,"):
		r.IsLegal = false
		rest = rest[len("false,"):]
	default:
		return r, fmt.Errorf("storage: malformed result_json: invalid is_legal value")
	}

	const timesPrefix = `"execution_times":`
	if !strings.HasPrefix(rest, timesPrefix) {
		return r, fmt.Errorf("storage: malformed result_json: missing execution_times")
	}
	rest = rest[len(timesPrefix):]
	if rest == "null}" {
		return r, nil
	}
	if !strings.HasPrefix(rest, "[") {
		return r, fmt.Errorf("storage: malformed result_json: invalid execution_times value")
	}
	rest = rest[1:]
	end := strings.Index(rest, "]}")
	if end < 0 {
		return r, fmt.Errorf("storage: malformed result_json: unterminated execution_times")
	}
	body := rest[:end]
	r.ExecutionTimes = []float64{}
	if body != "" {
		for _, tok := range strings.Split(body, ",") {
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return Result{}, fmt.Errorf("storage: malformed result_json: execution time %q: %w", tok, err)
			}
			r.ExecutionTimes = append(r.ExecutionTimes, v)
		}
	}
	return r, nil
}
