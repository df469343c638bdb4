package tools

import (
	"context"
	"fmt"
	"strings"
)

// RegisterBuiltins adds the tools that ship with the bridge.
func RegisterBuiltins(r *Registry) error {
	return r.Register(&Tool{
		Name:        "get_weather",
		Description: "Get the current weather for a location.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{
					"type":        "string",
					"description": "The city or place to get the weather for",
				},
			},
			"required": []string{"location"},
		},
		Handler: handleGetWeather,
		Origin:  "builtin",
	})
}

// handleGetWeather is a canned demonstration tool; it never calls out.
func handleGetWeather(_ context.Context, args map[string]any) (string, error) {
	location, _ := args["location"].(string)
	location = strings.TrimSpace(location)
	if location == "" {
		return "", fmt.Errorf("location is required")
	}
	return fmt.Sprintf("The weather for %s is 70 degrees and sunny.", location), nil
}
