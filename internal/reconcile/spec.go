package reconcile

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// requirement is one parsed line from a requirements file.
type requirement struct {
	Name     string // lowercased distribution name
	Spec     string // raw specifier list, e.g. ">=0.40.0,<0.47.0"
	Marker   string // environment marker after ';', verbatim
	Origin   string // file the line came from
}

var reqLineRe = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)(\[[A-Za-z0-9._,\- ]*\])?\s*(.*)$`)

// parseRequirementLine splits a requirement into name, specifier and marker.
// Returns ok=false for lines that do not look like a requirement at all.
func parseRequirementLine(line string) (requirement, bool) {
	line = strings.TrimSpace(line)
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return requirement{}, false
	}
	var marker string
	if i := strings.IndexByte(line, ';'); i >= 0 {
		marker = strings.TrimSpace(line[i+1:])
		line = strings.TrimSpace(line[:i])
	}
	m := reqLineRe.FindStringSubmatch(line)
	if m == nil {
		return requirement{}, false
	}
	spec := strings.TrimSpace(m[3])
	// URL requirements ("pkg @ https://...") are not version-analyzable;
	// they are reported as not ok, and parseFile skips them.
	if strings.HasPrefix(spec, "@") {
		return requirement{}, false
	}
	return requirement{
		Name:   strings.ToLower(m[1]),
		Spec:   strings.ReplaceAll(spec, " ", ""),
		Marker: marker,
	}, true
}

// clause is one operator+version pair out of a specifier list.
type clause struct {
	Op  string
	Ver string
}

var clauseRe = regexp.MustCompile(`^(===|==|!=|~=|>=|<=|>|<)(.+)$`)

func parseClauses(spec string) ([]clause, []string) {
	if spec == "" {
		return nil, nil
	}
	var out []clause
	var bad []string
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		m := clauseRe.FindStringSubmatch(part)
		if m == nil {
			bad = append(bad, part)
			continue
		}
		ver := strings.TrimSuffix(m[2], ".*")
		out = append(out, clause{Op: m[1], Ver: ver})
	}
	return out, bad
}

// bound is one side of an interval.
type bound struct {
	Ver       string
	Inclusive bool
	Set       bool
}

// intersection accumulates the normalized constraint state for one package.
type intersection struct {
	Exact    string
	ExactSet bool
	Lower    bound
	Upper    bound
	Excluded []string
	Reasons  []string // conflict reasons; non-empty means conflict
}

func (ix *intersection) conflict(format string, args ...any) {
	ix.Reasons = append(ix.Reasons, fmt.Sprintf(format, args...))
}

// addClause folds one clause into the intersection under the normalized
// operator semantics.
func (ix *intersection) addClause(c clause) {
	switch c.Op {
	case "==":
		if ix.ExactSet && compareVersions(ix.Exact, c.Ver) != 0 {
			ix.conflict("conflicting exact pins ==%s and ==%s", ix.Exact, c.Ver)
			return
		}
		ix.Exact = c.Ver
		ix.ExactSet = true
	case "!=":
		ix.Excluded = append(ix.Excluded, c.Ver)
	case ">", ">=":
		ix.tightenLower(bound{Ver: c.Ver, Inclusive: c.Op == ">=", Set: true})
	case "<", "<=":
		ix.tightenUpper(bound{Ver: c.Ver, Inclusive: c.Op == "<=", Set: true})
	case "~=":
		ix.tightenLower(bound{Ver: c.Ver, Inclusive: true, Set: true})
		ix.tightenUpper(bound{Ver: nextBoundary(c.Ver), Inclusive: false, Set: true})
	case "===":
		ix.conflict("arbitrary equality ===%s is not fully analyzable", c.Ver)
	default:
		ix.conflict("unrecognized operator %q", c.Op)
	}
}

// tightenLower keeps the largest lower bound; on a tie the exclusive side
// dominates the inclusive one.
func (ix *intersection) tightenLower(b bound) {
	if !ix.Lower.Set {
		ix.Lower = b
		return
	}
	switch cmp := compareVersions(b.Ver, ix.Lower.Ver); {
	case cmp > 0:
		ix.Lower = b
	case cmp == 0 && !b.Inclusive:
		ix.Lower.Inclusive = false
	}
}

// tightenUpper keeps the smallest upper bound, symmetric rule.
func (ix *intersection) tightenUpper(b bound) {
	if !ix.Upper.Set {
		ix.Upper = b
		return
	}
	switch cmp := compareVersions(b.Ver, ix.Upper.Ver); {
	case cmp < 0:
		ix.Upper = b
	case cmp == 0 && !b.Inclusive:
		ix.Upper.Inclusive = false
	}
}

// resolve finishes the intersection, checking the conflict conditions.
func (ix *intersection) resolve() {
	if len(ix.Reasons) > 0 {
		return
	}
	if ix.Lower.Set && ix.Upper.Set {
		switch cmp := compareVersions(ix.Lower.Ver, ix.Upper.Ver); {
		case cmp > 0:
			ix.conflict("lower bound %s is greater than upper bound %s", ix.Lower.Ver, ix.Upper.Ver)
			return
		case cmp == 0 && (!ix.Lower.Inclusive || !ix.Upper.Inclusive):
			ix.conflict("bounds meet at %s but at least one side is exclusive", ix.Lower.Ver)
			return
		}
	}
	if ix.ExactSet {
		if ix.Lower.Set {
			cmp := compareVersions(ix.Exact, ix.Lower.Ver)
			if cmp < 0 || (cmp == 0 && !ix.Lower.Inclusive) {
				ix.conflict("exact pin ==%s is below lower bound %s", ix.Exact, ix.Lower.Ver)
				return
			}
		}
		if ix.Upper.Set {
			cmp := compareVersions(ix.Exact, ix.Upper.Ver)
			if cmp > 0 || (cmp == 0 && !ix.Upper.Inclusive) {
				ix.conflict("exact pin ==%s is above upper bound %s", ix.Exact, ix.Upper.Ver)
				return
			}
		}
		for _, ex := range ix.Excluded {
			if compareVersions(ix.Exact, ex) == 0 {
				ix.conflict("exact pin ==%s is excluded by !=%s", ix.Exact, ex)
				return
			}
		}
	}
}

// normalized renders the surviving constraint as a single specifier string.
// Empty when nothing constrains the package.
func (ix *intersection) normalized() string {
	if ix.ExactSet {
		return "==" + ix.Exact
	}
	var parts []string
	if ix.Lower.Set {
		op := ">"
		if ix.Lower.Inclusive {
			op = ">="
		}
		parts = append(parts, op+ix.Lower.Ver)
	}
	if ix.Upper.Set {
		op := "<"
		if ix.Upper.Inclusive {
			op = "<="
		}
		parts = append(parts, op+ix.Upper.Ver)
	}
	if len(ix.Excluded) > 0 {
		ex := append([]string(nil), ix.Excluded...)
		sort.Strings(ex)
		seen := map[string]bool{}
		for _, v := range ex {
			if seen[v] {
				continue
			}
			seen[v] = true
			parts = append(parts, "!="+v)
		}
	}
	return strings.Join(parts, ",")
}
