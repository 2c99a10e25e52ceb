// Package template evaluates the JSONata expressions workflow configurations
// use for credential templates and dynamic step descriptors.
package template

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonata "github.com/blues/jsonata-go"

	"github.com/openvcx/exchanger/pkg/errors"
)

// TypeJSONata is the only template type workflow configurations may declare.
const TypeJSONata = "jsonata"

// forbiddenKeyChars are characters the storage layer cannot represent in
// object keys. An evaluated object containing them is rejected before it can
// reach persistence.
const forbiddenKeyChars = ".$%"

// Globals is the read-only half of the evaluation environment.
type Globals struct {
	Workflow map[string]any `json:"workflow,omitempty"`
	Exchange map[string]any `json:"exchange,omitempty"`
}

// Environment is the variable environment a template is evaluated against.
// Evaluation is pure: the same (template, environment) pair always produces
// the same result.
type Environment struct {
	Globals   Globals        `json:"globals"`
	Variables map[string]any `json:"variables"`
}

// Evaluate compiles and runs a JSONata expression against the environment.
// The result is returned re-encoded through JSON so callers always see plain
// maps, slices, strings and float64s.
func Evaluate(expression string, env Environment) (any, error) {
	compiled, err := jsonata.Compile(expression)
	if err != nil {
		return nil, errors.NewValidationError(
			fmt.Sprintf("invalid jsonata template: %v", err), err)
	}

	// Round-trip the environment through JSON so the evaluator sees the
	// same value shapes a wire request would produce.
	data, err := normalize(env)
	if err != nil {
		return nil, err
	}

	result, err := compiled.Eval(data)
	if err != nil {
		return nil, errors.NewDataError(
			fmt.Sprintf("jsonata evaluation failed: %v", err), err)
	}

	normalized, err := normalize(result)
	if err != nil {
		return nil, err
	}
	if err := checkKeys(normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

// EvaluateObject evaluates the expression and requires the result to be a
// JSON object, the shape both credential templates and step templates must
// produce.
func EvaluateObject(expression string, env Environment) (map[string]any, error) {
	result, err := Evaluate(expression, env)
	if err != nil {
		return nil, err
	}
	obj, ok := result.(map[string]any)
	if !ok {
		return nil, errors.NewValidationError(
			"template did not evaluate to an object", nil)
	}
	return obj, nil
}

func normalize(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, errors.NewDataError("template result is not representable as JSON", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.NewDataError("template result is not representable as JSON", err)
	}
	return out, nil
}

// checkKeys walks the evaluated value and rejects any object key containing
// a character the storage layer forbids.
func checkKeys(value any) error {
	switch v := value.(type) {
	case map[string]any:
		for key, child := range v {
			if strings.ContainsAny(key, forbiddenKeyChars) {
				return errors.NewValidationError(
					fmt.Sprintf("template produced a key with a forbidden character (%q)", key), nil)
			}
			if err := checkKeys(child); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range v {
			if err := checkKeys(child); err != nil {
				return err
			}
		}
	}
	return nil
}
