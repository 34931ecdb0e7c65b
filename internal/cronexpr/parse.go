package cronexpr

import (
	"fmt"
	"strconv"
	"strings"
)

// Expression is a parsed cron expression. It is immutable and safe for
// concurrent use.
type Expression struct {
	text string

	second, minute, hour, dom, month, dow uint64

	// Set when the day field was "*" or "?" (without a step > 1).
	domStar, dowStar bool
}

type bounds struct {
	name     string
	min, max uint
	names    map[string]uint
	// question allows "?" as a synonym for "*".
	question bool
	// sunday7 accepts 7 as an alias for 0.
	sunday7 bool
}

var (
	secondBounds = bounds{name: "second", min: 0, max: 59}
	minuteBounds = bounds{name: "minute", min: 0, max: 59}
	hourBounds   = bounds{name: "hour", min: 0, max: 23}
	domBounds    = bounds{name: "day-of-month", min: 1, max: 31, question: true}
	monthBounds  = bounds{name: "month", min: 1, max: 12, names: map[string]uint{
		"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
		"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
	}}
	dowBounds = bounds{name: "day-of-week", min: 0, max: 6, question: true, sunday7: true, names: map[string]uint{
		"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
	}}
)

var descriptors = map[string]string{
	"@yearly":   "0 0 0 1 1 *",
	"@annually": "0 0 0 1 1 *",
	"@monthly":  "0 0 0 1 * *",
	"@weekly":   "0 0 0 * * 0",
	"@daily":    "0 0 0 * * *",
	"@midnight": "0 0 0 * * *",
	"@hourly":   "0 0 * * * *",
}

// Parse parses a 5 or 6 field cron expression or a descriptor.
// All failures wrap ErrInvalidExpression.
func Parse(text string) (*Expression, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil, &ParseError{Expr: text, Msg: "empty expression"}
	}

	if strings.HasPrefix(s, "@") {
		expanded, ok := descriptors[strings.ToLower(s)]
		if !ok {
			return nil, &ParseError{Expr: text, Msg: "unknown descriptor"}
		}
		e, err := parseFields(text, strings.Fields(expanded))
		if err != nil {
			return nil, err
		}
		e.text = s
		return e, nil
	}

	fields := strings.Fields(s)
	switch len(fields) {
	case 5:
		fields = append([]string{"0"}, fields...)
	case 6:
	default:
		return nil, &ParseError{Expr: text, Msg: fmt.Sprintf("expected 5 or 6 fields, found %d", len(fields))}
	}
	e, err := parseFields(text, fields)
	if err != nil {
		return nil, err
	}
	e.text = strings.Join(strings.Fields(s), " ")
	return e, nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(text string) *Expression {
	e, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return e
}

// Validate reports whether text is a parseable expression.
func Validate(text string) error {
	_, err := Parse(text)
	return err
}

// String returns the normalized source text.
func (e *Expression) String() string { return e.text }

func parseFields(text string, fields []string) (*Expression, error) {
	e := &Expression{}
	var err error
	if e.second, _, err = parseField(text, fields[0], secondBounds); err != nil {
		return nil, err
	}
	if e.minute, _, err = parseField(text, fields[1], minuteBounds); err != nil {
		return nil, err
	}
	if e.hour, _, err = parseField(text, fields[2], hourBounds); err != nil {
		return nil, err
	}
	if e.dom, e.domStar, err = parseField(text, fields[3], domBounds); err != nil {
		return nil, err
	}
	if e.month, _, err = parseField(text, fields[4], monthBounds); err != nil {
		return nil, err
	}
	if e.dow, e.dowStar, err = parseField(text, fields[5], dowBounds); err != nil {
		return nil, err
	}
	return e, nil
}

// parseField returns the bitset of allowed values and whether the field
// was left unrestricted.
func parseField(text, field string, b bounds) (uint64, bool, error) {
	var bits uint64
	star := false
	for _, part := range strings.Split(field, ",") {
		pb, ps, err := parseRange(part, b)
		if err != nil {
			return 0, false, &ParseError{Expr: text, Field: b.name, Msg: err.Error()}
		}
		bits |= pb
		star = star || ps
	}
	return bits, star, nil
}

func parseRange(part string, b bounds) (uint64, bool, error) {
	if part == "" {
		return 0, false, fmt.Errorf("empty list element")
	}
	rangeAndStep := strings.Split(part, "/")
	if len(rangeAndStep) > 2 {
		return 0, false, fmt.Errorf("too many slashes in %q", part)
	}
	lowHigh := strings.Split(rangeAndStep[0], "-")
	if len(lowHigh) > 2 {
		return 0, false, fmt.Errorf("too many hyphens in %q", part)
	}

	var start, end uint
	star := false
	switch lowHigh[0] {
	case "*", "?":
		if lowHigh[0] == "?" && !b.question {
			return 0, false, fmt.Errorf("%q is only valid for day fields", "?")
		}
		if len(lowHigh) != 1 {
			return 0, false, fmt.Errorf("wildcard cannot start a range in %q", part)
		}
		start, end, star = b.min, b.max, true
	default:
		v, err := parseValue(lowHigh[0], b)
		if err != nil {
			return 0, false, err
		}
		start, end = v, v
		if len(lowHigh) == 2 {
			if end, err = parseValue(lowHigh[1], b); err != nil {
				return 0, false, err
			}
		}
	}

	step := uint(1)
	if len(rangeAndStep) == 2 {
		n, err := strconv.ParseUint(rangeAndStep[1], 10, 32)
		if err != nil || n == 0 {
			return 0, false, fmt.Errorf("invalid step %q", rangeAndStep[1])
		}
		step = uint(n)
		// "a/b" means "a-max/b".
		if !star && len(lowHigh) == 1 {
			end = b.max
		}
		if step > 1 {
			star = false
		}
	}

	if start > end {
		return 0, false, fmt.Errorf("range %q is reversed", part)
	}

	var bits uint64
	for v := start; v <= end; v += step {
		if b.sunday7 && v == 7 {
			bits |= 1
			continue
		}
		bits |= 1 << v
	}
	return bits, star, nil
}

func parseValue(s string, b bounds) (uint, error) {
	if b.names != nil {
		if v, ok := b.names[strings.ToUpper(s)]; ok {
			return v, nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	v := uint(n)
	if v == 7 && b.sunday7 {
		return v, nil
	}
	if v < b.min || v > b.max {
		return 0, fmt.Errorf("value %d out of range [%d,%d]", v, b.min, b.max)
	}
	return v, nil
}
