package model

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"
)

// ParamKind tags the variant held by a SearchParam.
type ParamKind string

const (
	ParamFixed   ParamKind = "fixed"
	ParamRange   ParamKind = "range"
	ParamChoices ParamKind = "choices"
)

// SearchParam is one entry of a search space: Fixed(value) | Range(low, high) | Choices(list).
// It is built once at submission and never re-derived from strings downstream.
type SearchParam struct {
	kind    ParamKind
	value   any
	low     float64
	high    float64
	integer bool
	choices []any
}

func Fixed(v any) SearchParam {
	return SearchParam{kind: ParamFixed, value: v}
}

// Range is a continuous interval [low, high].
func Range(low, high float64) SearchParam {
	return SearchParam{kind: ParamRange, low: low, high: high}
}

// IntRange is an integer interval [low, high].
func IntRange(low, high int) SearchParam {
	return SearchParam{kind: ParamRange, low: float64(low), high: float64(high), integer: true}
}

func Choices(vals ...any) SearchParam {
	return SearchParam{kind: ParamChoices, choices: append([]any(nil), vals...)}
}

func (p SearchParam) Kind() ParamKind { return p.kind }

// Value is only meaningful for ParamFixed.
func (p SearchParam) Value() any { return p.value }

// Bounds is only meaningful for ParamRange.
func (p SearchParam) Bounds() (low, high float64) { return p.low, p.high }

func (p SearchParam) IsInteger() bool { return p.integer }

func (p SearchParam) Options() []any { return append([]any(nil), p.choices...) }

func (p SearchParam) Validate() error {
	switch p.kind {
	case ParamFixed:
		return nil
	case ParamRange:
		if math.IsNaN(p.low) || math.IsNaN(p.high) {
			return errors.New("range bounds must be numbers")
		}
		if p.low > p.high {
			return errors.Errorf("low %v is greater than high %v", p.low, p.high)
		}
		if p.integer && (p.low != math.Trunc(p.low) || p.high != math.Trunc(p.high)) {
			return errors.Errorf("integer range bounds %v and %v must be whole numbers", p.low, p.high)
		}
		return nil
	case ParamChoices:
		if len(p.choices) == 0 {
			return errors.New("choices must not be empty")
		}
		return nil
	default:
		return errors.Errorf("unknown search parameter type %q", p.kind)
	}
}

// searchParamJSON 持久化格式
type searchParamJSON struct {
	Type    ParamKind `json:"type"`
	Value   any       `json:"value,omitempty"`
	Low     *float64  `json:"low,omitempty"`
	High    *float64  `json:"high,omitempty"`
	Integer bool      `json:"integer,omitempty"`
	Values  []any     `json:"values,omitempty"`
}

// MarshalJSON implements the json.Marshaler interface.
func (p SearchParam) MarshalJSON() ([]byte, error) {
	out := searchParamJSON{Type: p.kind}
	switch p.kind {
	case ParamFixed:
		out.Value = p.value
	case ParamRange:
		low, high := p.low, p.high
		out.Low, out.High, out.Integer = &low, &high, p.integer
	case ParamChoices:
		out.Values = p.choices
	default:
		return nil, errors.Errorf("cannot marshal search parameter of type %q", p.kind)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (p *SearchParam) UnmarshalJSON(data []byte) error {
	var in searchParamJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return errors.Wrap(err, "decoding search parameter")
	}
	switch in.Type {
	case ParamFixed:
		*p = Fixed(in.Value)
	case ParamRange:
		if in.Low == nil || in.High == nil {
			return errors.New("range search parameter needs both low and high")
		}
		*p = Range(*in.Low, *in.High)
		p.integer = in.Integer
	case ParamChoices:
		*p = Choices(in.Values...)
	default:
		return errors.Errorf("unknown search parameter type %q", in.Type)
	}
	return p.Validate()
}
