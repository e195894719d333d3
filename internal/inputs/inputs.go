// Package inputs implements typed build-time variables: option
// declarations, CLI/env/default resolution precedence, and the boolean
// condition-rule DSL used to gate conditional module/task behavior.
package inputs

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/forge-build/forge/internal/configdoc"
)

// Type is one of the four primitive input value types.
type Type string

const (
	TypeString Type = "string"
	TypeBool   Type = "bool"
	TypeInt    Type = "int"
	TypeFloat  Type = "float"
)

// OptionConfig declares a single input option.
type OptionConfig struct {
	Type     string        `toml:"type"`
	Default  interface{}   `toml:"default"`
	Choices  []interface{} `toml:"choices"`
	Env      string        `toml:"env"`
	Required bool          `toml:"required"`
}

// Config mirrors the [inputs] table.
type Config struct {
	Options map[string]OptionConfig `toml:"options"`
	Values  map[string]interface{}  `toml:"values"`
}

// DefaultEnvPrefix is the prefix used by ProjectEnv when the caller does
// not specify one.
const DefaultEnvPrefix = "GAIA_INPUT_"

// Resolver resolves input values by consulting, per option, CLI overrides,
// then environment variables, then configured presets, then defaults.
type Resolver struct {
	cfg      *Config
	cli      map[string]string
	lookupFn func(string) (string, bool)
}

// NewResolver builds a Resolver against the [inputs] table of doc.
func NewResolver(doc *configdoc.Doc, cliOverrides map[string]string) (*Resolver, error) {
	cfg, ok, err := configdoc.DeserializeAt[Config](doc, "inputs")
	if err != nil {
		return nil, fmt.Errorf("inputs: %w", err)
	}
	if !ok {
		cfg = &Config{}
	}
	if cfg.Options == nil {
		cfg.Options = map[string]OptionConfig{}
	}
	if cfg.Values == nil {
		cfg.Values = map[string]interface{}{}
	}
	return &Resolver{cfg: cfg, cli: cliOverrides, lookupFn: os.LookupEnv}, nil
}

// Resolve computes the final value for every declared option, applying the
// precedence chain: CLI override > environment variable > preset value >
// option default. A required option with no source fails resolution.
func (r *Resolver) Resolve() (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(r.cfg.Options))

	for name, opt := range r.cfg.Options {
		value, found, err := r.resolveOne(name, opt)
		if err != nil {
			return nil, err
		}
		if !found {
			if opt.Required {
				return nil, fmt.Errorf("inputs: required option %q has no value", name)
			}
			continue
		}
		if len(opt.Choices) > 0 && !choiceAllowed(value, opt.Choices) {
			return nil, fmt.Errorf("inputs: %q=%v is not one of %v", name, value, opt.Choices)
		}
		resolved[name] = value
	}

	return resolved, nil
}

func (r *Resolver) resolveOne(name string, opt OptionConfig) (interface{}, bool, error) {
	declaredType, typeKnown := inferType(opt)
	if preset, ok := r.cfg.Values[name]; ok && opt.Type == "" && opt.Default == nil {
		declaredType, typeKnown = typeOfValue(preset), true
	}

	if raw, ok := r.cli[name]; ok {
		v, err := coerce(raw, declaredType, typeKnown)
		return v, true, err
	}

	if opt.Env != "" {
		if raw, ok := r.lookupFn(opt.Env); ok {
			v, err := coerce(raw, declaredType, typeKnown)
			return v, true, err
		}
	}

	if preset, ok := r.cfg.Values[name]; ok {
		return preset, true, nil
	}

	if opt.Default != nil {
		return opt.Default, true, nil
	}

	return nil, false, nil
}

// inferType determines an option's type from its declaration: explicit >
// default's type > first choice's type. resolveOne additionally places a
// preset's type after the default's and before the first choice's.
func inferType(opt OptionConfig) (Type, bool) {
	if opt.Type != "" {
		return Type(opt.Type), true
	}
	if opt.Default != nil {
		return typeOfValue(opt.Default), true
	}
	if len(opt.Choices) > 0 {
		return typeOfValue(opt.Choices[0]), true
	}
	return "", false
}

func typeOfValue(v interface{}) Type {
	switch v.(type) {
	case bool:
		return TypeBool
	case int, int64:
		return TypeInt
	case float32, float64:
		return TypeFloat
	default:
		return TypeString
	}
}

// coerce parses a CLI/env string. When the type is known, coercion is
// strict; otherwise it tries bool, then int, then float, then string.
func coerce(raw string, t Type, known bool) (interface{}, error) {
	if !known {
		if v, err := coerceBool(raw); err == nil {
			return v, nil
		}
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v, nil
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v, nil
		}
		return raw, nil
	}

	switch t {
	case TypeBool:
		return coerceBool(raw)
	case TypeInt:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("inputs: %q is not a valid int", raw)
		}
		return v, nil
	case TypeFloat:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("inputs: %q is not a valid float", raw)
		}
		return v, nil
	default:
		return raw, nil
	}
}

func coerceBool(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("inputs: %q is not a valid bool", raw)
}

// choiceAllowed compares value against choices under numeric cross-type
// equality (int<->float compared numerically, otherwise exact).
func choiceAllowed(value interface{}, choices []interface{}) bool {
	for _, c := range choices {
		if valuesEqual(value, c) {
			return true
		}
	}
	return false
}

func valuesEqual(a, b interface{}) bool {
	af, aIsNum := asFloat(a)
	bf, bIsNum := asFloat(b)
	if aIsNum && bIsNum {
		return af == bf
	}
	return a == b
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// RuleOp is the comparison operator of a parsed condition rule.
type RuleOp int

const (
	RuleTruthy RuleOp = iota
	RuleFalsey
	RuleEq
	RuleNotEq
)

// ParsedRule is one condition in a `key`, `!key`, `key=value`, or
// `key!=value` expression.
type ParsedRule struct {
	Key string
	Op  RuleOp
	RHS string
}

var eqRule = regexp.MustCompile(`^([^!=]+)!?=(.*)$`)

// ParseRule parses a single condition-rule string.
func ParseRule(s string) ParsedRule {
	if strings.HasPrefix(s, "!") {
		rest := s[1:]
		if idx := strings.Index(rest, "!="); idx >= 0 {
			return ParsedRule{Key: rest[:idx], Op: RuleEq, RHS: rest[idx+2:]}
		}
		return ParsedRule{Key: rest, Op: RuleFalsey}
	}
	if idx := strings.Index(s, "!="); idx >= 0 {
		return ParsedRule{Key: s[:idx], Op: RuleNotEq, RHS: s[idx+2:]}
	}
	if idx := strings.Index(s, "="); idx >= 0 {
		return ParsedRule{Key: s[:idx], Op: RuleEq, RHS: s[idx+1:]}
	}
	return ParsedRule{Key: s, Op: RuleTruthy}
}

// IsTruthy reports whether v counts as true in a condition rule: non-false
// booleans, non-zero numbers, and non-empty strings that are not one of
// 0/false/no/off (case-insensitive).
func IsTruthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		switch strings.ToLower(t) {
		case "", "0", "false", "no", "off":
			return false
		default:
			return true
		}
	case nil:
		return false
	default:
		return true
	}
}

// EvalRule evaluates a single parsed rule against the resolved values,
// using the option's declared type (if known) to parse the rule's RHS.
func EvalRule(rule ParsedRule, resolved map[string]interface{}, options map[string]OptionConfig) bool {
	current, present := resolved[rule.Key]

	switch rule.Op {
	case RuleTruthy:
		return present && IsTruthy(current)
	case RuleFalsey:
		return !present || !IsTruthy(current)
	case RuleEq, RuleNotEq:
		var rhs interface{} = rule.RHS
		if opt, ok := options[rule.Key]; ok {
			if t, known := inferType(opt); known {
				if coerced, err := coerce(rule.RHS, t, true); err == nil {
					rhs = coerced
				}
			}
		} else if present {
			rhs = coerceLike(rule.RHS, current)
		}
		eq := present && valuesEqual(current, rhs)
		if rule.Op == RuleEq {
			return eq
		}
		return !eq
	default:
		return false
	}
}

func coerceLike(raw string, sample interface{}) interface{} {
	v, err := coerce(raw, typeOfValue(sample), true)
	if err != nil {
		return raw
	}
	return v
}

// ConditionsMatch returns true iff every enabledIf rule holds and no
// disabledIf rule holds.
func ConditionsMatch(enabledIf, disabledIf []string, resolved map[string]interface{}, options map[string]OptionConfig) bool {
	for _, raw := range enabledIf {
		if !EvalRule(ParseRule(raw), resolved, options) {
			return false
		}
	}
	for _, raw := range disabledIf {
		if EvalRule(ParseRule(raw), resolved, options) {
			return false
		}
	}
	return true
}

var nonAlnum = regexp.MustCompile(`[^A-Za-z0-9]`)

// ProjectEnv projects resolved values into an environment map using
// prefix, upper-casing names and replacing non-alphanumerics with
// underscores.
func ProjectEnv(resolved map[string]interface{}, prefix string) map[string]string {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	out := make(map[string]string, len(resolved))
	for k, v := range resolved {
		name := prefix + strings.ToUpper(nonAlnum.ReplaceAllString(k, "_"))
		out[name] = fmt.Sprintf("%v", v)
	}
	return out
}
