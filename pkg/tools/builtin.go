package tools

import (
	"context"
	"fmt"
	"time"
)

// ClockTool reports the current time. Used by demo agents and as a cheap
// always-healthy tool in tests.
type ClockTool struct{}

// Definition implements Tool.
func (ClockTool) Definition() Definition {
	return Definition{
		Name:        "clock",
		Type:        "builtin",
		Description: "Returns the current time, optionally in a custom format.",
		Timeout:     time.Second,
	}
}

// Validate implements Tool. The only recognized argument is an optional
// "format" string.
func (ClockTool) Validate(args map[string]any) error {
	if raw, ok := args["format"]; ok {
		if _, isString := raw.(string); !isString {
			return fmt.Errorf("format must be a string")
		}
	}
	return nil
}

// Execute implements Tool.
func (ClockTool) Execute(_ context.Context, args map[string]any) (any, error) {
	format := time.RFC3339
	if raw, ok := args["format"].(string); ok && raw != "" {
		format = raw
	}
	return time.Now().Format(format), nil
}

// Health implements HealthChecker.
func (ClockTool) Health(context.Context) error { return nil }

// MathTool evaluates a single binary arithmetic operation.
type MathTool struct{}

// Definition implements Tool.
func (MathTool) Definition() Definition {
	return Definition{
		Name:        "math",
		Type:        "builtin",
		Description: "Evaluates op(a, b) for op in add, sub, mul, div.",
		Timeout:     time.Second,
	}
}

// Validate implements Tool.
func (MathTool) Validate(args map[string]any) error {
	op, _ := args["op"].(string)
	switch op {
	case "add", "sub", "mul", "div":
	default:
		return fmt.Errorf("op must be one of add, sub, mul, div")
	}
	for _, key := range []string{"a", "b"} {
		if _, err := toFloat(args[key]); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// Execute implements Tool.
func (MathTool) Execute(_ context.Context, args map[string]any) (any, error) {
	a, err := toFloat(args["a"])
	if err != nil {
		return nil, fmt.Errorf("a: %w", err)
	}
	b, err := toFloat(args["b"])
	if err != nil {
		return nil, fmt.Errorf("b: %w", err)
	}
	switch args["op"] {
	case "add":
		return a + b, nil
	case "sub":
		return a - b, nil
	case "mul":
		return a * b, nil
	case "div":
		if b == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return a / b, nil
	}
	return nil, fmt.Errorf("unknown op %v", args["op"])
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case nil:
		return 0, fmt.Errorf("missing number")
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}
