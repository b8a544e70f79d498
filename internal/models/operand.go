package models

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Range is an inclusive numeric interval used by the between operator
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Operand is the comparison value of a condition. Exactly one of its
// forms is set: a number, a string, a list of strings or a numeric range.
type Operand struct {
	Number *float64
	Text   string
	List   []string
	Range  *Range
}

// NumberOperand returns a numeric operand
func NumberOperand(v float64) Operand {
	return Operand{Number: &v}
}

// TextOperand returns a string operand
func TextOperand(s string) Operand {
	return Operand{Text: s}
}

// ListOperand returns a set operand
func ListOperand(items ...string) Operand {
	return Operand{List: items}
}

// RangeOperand returns an inclusive numeric range operand
func RangeOperand(min, max float64) Operand {
	return Operand{Range: &Range{Min: min, Max: max}}
}

// IsZero reports whether no form is set
func (o Operand) IsZero() bool {
	return o.Number == nil && o.Text == "" && len(o.List) == 0 && o.Range == nil
}

func (o Operand) String() string {
	switch {
	case o.Number != nil:
		return fmt.Sprintf("%g", *o.Number)
	case o.Range != nil:
		return fmt.Sprintf("[%g, %g]", o.Range.Min, o.Range.Max)
	case len(o.List) > 0:
		return fmt.Sprintf("%v", o.List)
	default:
		return o.Text
	}
}

// MarshalJSON encodes the operand in its natural JSON shape
func (o Operand) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.natural())
}

// UnmarshalJSON decodes a number, string, string list, [min,max] pair or {min,max} object
func (o *Operand) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return o.fromRaw(raw)
}

// MarshalYAML encodes the operand in its natural YAML shape
func (o Operand) MarshalYAML() (interface{}, error) {
	return o.natural(), nil
}

// UnmarshalYAML decodes the same shapes as UnmarshalJSON
func (o *Operand) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return o.fromRaw(raw)
}

func (o Operand) natural() interface{} {
	switch {
	case o.Number != nil:
		return *o.Number
	case o.Range != nil:
		return []float64{o.Range.Min, o.Range.Max}
	case len(o.List) > 0:
		return o.List
	case o.Text != "":
		return o.Text
	default:
		return nil
	}
}

func (o *Operand) fromRaw(raw interface{}) error {
	*o = Operand{}

	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		o.Text = v
		return nil
	case map[string]interface{}:
		min, okMin := toFloat(v["min"])
		max, okMax := toFloat(v["max"])
		if !okMin || !okMax {
			return fmt.Errorf("range operand requires numeric min and max")
		}
		o.Range = &Range{Min: min, Max: max}
		return nil
	case []interface{}:
		return o.fromList(v)
	}

	if f, ok := toFloat(raw); ok {
		o.Number = &f
		return nil
	}
	return fmt.Errorf("unsupported operand type %T", raw)
}

func (o *Operand) fromList(items []interface{}) error {
	if len(items) == 2 {
		min, okMin := toFloat(items[0])
		max, okMax := toFloat(items[1])
		if okMin && okMax {
			o.Range = &Range{Min: min, Max: max}
			return nil
		}
	}

	list := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return fmt.Errorf("list operand must contain only strings, got %T", item)
		}
		list = append(list, s)
	}
	o.List = list
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
