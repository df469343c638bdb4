package tools

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// checkSchema reports whether params compiles as a JSON schema. A nil
// schema is accepted; the tool then takes no arguments.
func checkSchema(params map[string]any) error {
	if len(params) == 0 {
		return nil
	}
	if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(params)); err != nil {
		return fmt.Errorf("invalid parameter schema: %w", err)
	}
	return nil
}

// validateArguments checks args against the tool's parameter schema.
func validateArguments(params map[string]any, args map[string]any) error {
	if len(params) == 0 {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(params), gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return fmt.Errorf("invalid arguments: %s", strings.Join(problems, "; "))
	}
	return nil
}
