// Package selection parses index selections such as "1,3-5" or "all" into
// sorted, duplicate-free lists of 1-based item indices.
//
// Two entry points share the grammar. Permissive is used for command-line
// input and silently drops anything out of range or malformed. Strict is used
// for mail replies: the whole line must consist of digits, commas, hyphens and
// whitespace or it is rejected outright, and ranges "a-b" are accepted. Strict
// does not know the item count, so "7" parses to [7] even when only five items
// exist; callers bound the result with Clamp. A range contributes at most
// MaxRangeSpan indices starting at its lower bound.
package selection

import (
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrSelectionInvalid marks a reply line that yields no usable index.
var ErrSelectionInvalid = errors.New("invalid selection")

// MaxRangeSpan caps how many indices one "a-b" range expands to.
const MaxRangeSpan = 1000

var grammar = regexp.MustCompile(`^[\d,\-\s]+$`)

// MatchesGrammar reports whether the trimmed line consists only of digits,
// commas, hyphens and whitespace.
func MatchesGrammar(line string) bool {
	s := strings.TrimSpace(line)
	return s != "" && grammar.MatchString(s)
}

// Permissive converts command-line input into indices within 1..total.
// nil or blank selects the first topN items, "all" selects every item.
func Permissive(sel *string, total, topN int) []int {
	if total <= 0 {
		return []int{}
	}
	if sel == nil || strings.TrimSpace(*sel) == "" {
		return seq(1, min(topN, total))
	}

	s := strings.ToLower(strings.TrimSpace(*sel))
	if s == "all" {
		return seq(1, total)
	}

	picks := map[int]struct{}{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i, err := strconv.Atoi(part)
		if err != nil || i < 1 || i > total {
			continue
		}
		picks[i] = struct{}{}
	}
	return sorted(picks)
}

// Strict parses a reply line. Lines outside the grammar yield an empty list;
// individual bad parts inside a valid line are skipped.
func Strict(line string) []int {
	if !MatchesGrammar(line) {
		return []int{}
	}

	picks := map[int]struct{}{}
	for _, part := range strings.Split(line, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			a, errA := strconv.Atoi(strings.TrimSpace(lo))
			b, errB := strconv.Atoi(strings.TrimSpace(hi))
			if errA != nil || errB != nil || a > b {
				continue
			}
			if b-a >= MaxRangeSpan {
				b = a + MaxRangeSpan - 1
			}
			for k := a; ; k++ {
				picks[k] = struct{}{}
				if k == b {
					break
				}
			}
			continue
		}
		i, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		picks[i] = struct{}{}
	}
	return sorted(picks)
}

// Clamp keeps the indices within 1..total, preserving order.
func Clamp(picks []int, total int) []int {
	res := make([]int, 0, len(picks))
	for _, i := range picks {
		if i >= 1 && i <= total {
			res = append(res, i)
		}
	}
	return res
}

// Format renders indices back to the comma list form, e.g. "1,2,5".
func Format(picks []int) string {
	parts := make([]string, len(picks))
	for i, p := range picks {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func seq(from, to int) []int {
	res := make([]int, 0, max(to-from+1, 0))
	for i := from; i <= to; i++ {
		res = append(res, i)
	}
	return res
}

func sorted(set map[int]struct{}) []int {
	res := make([]int, 0, len(set))
	for i := range set {
		res = append(res, i)
	}
	sort.Ints(res)
	return res
}
