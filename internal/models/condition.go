package models

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// ConditionKind identifies the data a condition inspects
type ConditionKind string

const (
	ConditionFXRate      ConditionKind = "fx_rate"
	ConditionTime        ConditionKind = "time"
	ConditionWeather     ConditionKind = "weather"
	ConditionGeoLocation ConditionKind = "geo_location"
	ConditionBalance     ConditionKind = "balance"
)

// Operator is a comparison operator
type Operator string

const (
	OpGT      Operator = "gt"
	OpLT      Operator = "lt"
	OpEQ      Operator = "eq"
	OpGTE     Operator = "gte"
	OpLTE     Operator = "lte"
	OpIn      Operator = "in"
	OpBetween Operator = "between"
)

// Weather sub-checks
const (
	WeatherFieldTemperature = "temperature"
	WeatherFieldCondition   = "condition"
)

// TimeLayout is the wall-clock format used by time conditions
const TimeLayout = "15:04"

// Condition is a single predicate of a rule. Kind selects which of the
// qualifier fields apply.
type Condition struct {
	Kind     ConditionKind `json:"kind" yaml:"kind"`
	Operator Operator      `json:"operator" yaml:"operator"`
	Value    Operand       `json:"value" yaml:"value"`

	// fx_rate
	Pair string `json:"pair,omitempty" yaml:"pair,omitempty"`
	// weather
	Zone  string `json:"zone,omitempty" yaml:"zone,omitempty"`
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
	// balance
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
	// time
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

var (
	numericOperators = map[Operator]bool{
		OpGT: true, OpLT: true, OpEQ: true, OpGTE: true, OpLTE: true, OpBetween: true,
	}
	discreteOperators = map[Operator]bool{
		OpEQ: true, OpIn: true,
	}
)

// ValidOperator reports whether op may be used with the condition's kind.
// Only discrete-valued checks accept in.
func (c Condition) ValidOperator() bool {
	switch c.Kind {
	case ConditionFXRate, ConditionBalance, ConditionTime:
		return numericOperators[c.Operator]
	case ConditionGeoLocation:
		return discreteOperators[c.Operator]
	case ConditionWeather:
		switch c.Field {
		case WeatherFieldTemperature:
			return numericOperators[c.Operator]
		case WeatherFieldCondition:
			return discreteOperators[c.Operator]
		}
	}
	return false
}

// Describe returns a short human readable form used in audit reasons
func (c Condition) Describe() string {
	var subject string
	switch c.Kind {
	case ConditionFXRate:
		subject = "fx_rate " + c.Pair
	case ConditionWeather:
		subject = fmt.Sprintf("weather %s.%s", c.Zone, c.Field)
	case ConditionBalance:
		subject = "balance " + c.Token
	default:
		subject = string(c.Kind)
	}
	return fmt.Sprintf("%s %s %s", subject, c.Operator, c.Value)
}

// Validate checks the condition is well formed for its kind
func (c Condition) Validate() error {
	switch c.Kind {
	case ConditionFXRate:
		if parts := strings.Split(c.Pair, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return NewValidationError("pair", "fx_rate requires a currency pair like USD/INR")
		}
	case ConditionWeather:
		if c.Zone == "" {
			return NewValidationError("zone", "weather requires a zone")
		}
		if c.Field != WeatherFieldTemperature && c.Field != WeatherFieldCondition {
			return NewValidationError("field", "weather field must be temperature or condition")
		}
	case ConditionBalance:
		if c.Token == "" {
			return NewValidationError("token", "balance requires a token symbol")
		}
	case ConditionTime:
		if c.Timezone != "" {
			if _, err := time.LoadLocation(c.Timezone); err != nil {
				return NewValidationError("timezone", "unknown timezone "+c.Timezone)
			}
		}
	case ConditionGeoLocation:
	default:
		return NewValidationError("kind", fmt.Sprintf("unknown condition kind %q", c.Kind))
	}

	if !c.ValidOperator() {
		return NewValidationError("operator", fmt.Sprintf("operator %q is not valid for %s", c.Operator, c.Kind))
	}

	return c.validateOperand()
}

func (c Condition) validateOperand() error {
	v := c.Value
	switch {
	case c.Operator == OpIn:
		if len(v.List) == 0 {
			return NewValidationError("value", "in requires a non-empty list")
		}
	case c.Kind == ConditionTime && c.Operator == OpBetween:
		if len(v.List) != 2 {
			return NewValidationError("value", "time between requires [start, end]")
		}
		for _, s := range v.List {
			if _, err := time.Parse(TimeLayout, s); err != nil {
				return NewValidationError("value", "time must be HH:MM")
			}
		}
	case c.Kind == ConditionTime:
		if _, err := time.Parse(TimeLayout, v.Text); err != nil {
			return NewValidationError("value", "time must be HH:MM")
		}
	case c.Operator == OpBetween:
		if v.Range == nil || v.Range.Min > v.Range.Max {
			return NewValidationError("value", "between requires [min, max] with min <= max")
		}
	case c.Kind == ConditionGeoLocation, c.Kind == ConditionWeather && c.Field == WeatherFieldCondition:
		if v.Text == "" {
			return NewValidationError("value", "eq requires a string value")
		}
	default:
		if v.Number == nil {
			return NewValidationError("value", "numeric comparison requires a number")
		}
	}
	return nil
}

// OracleType returns the oracle a condition reads, if any
func (c Condition) OracleType() (OracleType, bool) {
	switch c.Kind {
	case ConditionFXRate:
		return OracleFXRates, true
	case ConditionWeather:
		return OracleWeather, true
	case ConditionGeoLocation:
		return OracleGPS, true
	default:
		return "", false
	}
}
