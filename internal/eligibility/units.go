/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eligibility

import "strings"

var powerFactors = map[string]float64{
	"w":  1,
	"kw": 1e3,
	"mw": 1e6,
}

// convert expresses value in unit "to". Power units convert between W, kW and MW;
// anything else must match exactly.
func convert(value float64, from, to string) (float64, bool) {
	f, t := strings.ToLower(strings.TrimSpace(from)), strings.ToLower(strings.TrimSpace(to))
	if f == t {
		return value, true
	}
	ff, okFrom := powerFactors[f]
	tf, okTo := powerFactors[t]
	if !okFrom || !okTo {
		return 0, false
	}
	return value * ff / tf, true
}
