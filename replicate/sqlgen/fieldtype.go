// Package sqlgen parses the source database's field-type notation and
// generates dialect-specific DDL and DML for the SQL and BigQuery sinks.
package sqlgen

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FieldType is the parsed form of the pipe-separated notation, e.g.
// "string|required|maxlength:50". Unknown tokens are preserved in Options so
// that Format round-trips forward-compatibly.
type FieldType struct {
	Base     string
	Required bool

	MaxLength int
	Length    int

	Min    float64
	Max    float64
	HasMin bool
	HasMax bool

	// Options holds unrecognised tokens, in input order.
	Options []string
}

// Recognised base types. An unknown base still parses; dialect mapping treats
// it defensively as text.
var baseTypes = map[string]struct{}{
	"string": {}, "number": {}, "boolean": {}, "object": {}, "json": {},
	"array": {}, "embedding": {}, "ip4": {}, "ip6": {}, "secret": {},
	"uuid": {}, "date": {}, "datetime": {},
}

// ParseFieldType parses the pipe notation. The first token is the base type;
// remaining tokens are flags or key:value pairs. Unknown tokens are ignored
// for mapping purposes but preserved for round-tripping.
func ParseFieldType(notation string) FieldType {
	var tokens = strings.Split(notation, "|")
	var ft = FieldType{Base: strings.TrimSpace(tokens[0])}

	for _, token := range tokens[1:] {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if token == "required" {
			ft.Required = true
			continue
		}

		var key, value, hasValue = strings.Cut(token, ":")
		if !hasValue {
			ft.Options = append(ft.Options, token)
			continue
		}
		switch key {
		case "maxlength":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				ft.MaxLength = n
			}
		case "length":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				ft.Length = n
			}
		case "min":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				ft.Min, ft.HasMin = f, true
			}
		case "max":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				ft.Max, ft.HasMax = f, true
			}
		default:
			ft.Options = append(ft.Options, token)
		}
	}
	return ft
}

// Format renders the FieldType back into pipe notation. Parse(Format(ft))
// preserves base type, required, maxLength, bounds and options.
func (ft FieldType) Format() string {
	var tokens = []string{ft.Base}
	if ft.Required {
		tokens = append(tokens, "required")
	}
	if ft.MaxLength > 0 {
		tokens = append(tokens, fmt.Sprintf("maxlength:%d", ft.MaxLength))
	}
	if ft.Length > 0 {
		tokens = append(tokens, fmt.Sprintf("length:%d", ft.Length))
	}
	if ft.HasMin {
		tokens = append(tokens, "min:"+formatBound(ft.Min))
	}
	if ft.HasMax {
		tokens = append(tokens, "max:"+formatBound(ft.Max))
	}
	tokens = append(tokens, ft.Options...)
	return strings.Join(tokens, "|")
}

func formatBound(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// IsBoundedInt reports whether a number field maps to an integer column:
// both bounds present and within [0, 2^31-1].
func (ft FieldType) IsBoundedInt() bool {
	return ft.Base == "number" &&
		ft.HasMin && ft.HasMax &&
		ft.Min >= 0 && ft.Max <= math.MaxInt32 &&
		ft.Min == math.Trunc(ft.Min) && ft.Max == math.Trunc(ft.Max)
}
