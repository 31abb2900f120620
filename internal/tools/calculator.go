package tools

import (
	"context"
	"errors"
	"fmt"
)

// ErrDivisionByZero is returned by the calculator for a zero divisor.
var ErrDivisionByZero = errors.New("division by zero is not allowed")

// Calculator performs one arithmetic operation on two numbers.
type Calculator struct{}

// NewCalculator returns the calculator tool.
func NewCalculator() *Calculator { return &Calculator{} }

func (c *Calculator) Name() string { return "calculator" }

func (c *Calculator) Description() string {
	return "Perform a basic arithmetic operation on two numbers. Supported operations: add, sub, mul, div."
}

func (c *Calculator) Parameters() map[string]any {
	return map[string]any{
		"first_num": map[string]any{
			"type":        "number",
			"description": "Left operand",
		},
		"second_num": map[string]any{
			"type":        "number",
			"description": "Right operand",
		},
		"operation": map[string]any{
			"type":        "string",
			"description": "One of add, sub, mul, div",
			"enum":        []string{"add", "sub", "mul", "div"},
		},
	}
}

func (c *Calculator) Required() []string {
	return []string{"first_num", "second_num", "operation"}
}

func (c *Calculator) Execute(_ context.Context, args map[string]any) (map[string]any, error) {
	a, ok := toFloat(args["first_num"])
	if !ok {
		return nil, fmt.Errorf("first_num must be a number")
	}
	b, ok := toFloat(args["second_num"])
	if !ok {
		return nil, fmt.Errorf("second_num must be a number")
	}
	op, _ := args["operation"].(string)

	result, err := Calculate(op, a, b)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"first_num":  a,
		"second_num": b,
		"operation":  op,
		"result":     result,
	}, nil
}

// Calculate applies op to a and b. Both the short (add, sub, mul, div) and
// long (subtract, multiply, divide) operation names are accepted.
func Calculate(op string, a, b float64) (float64, error) {
	switch op {
	case "add":
		return a + b, nil
	case "sub", "subtract":
		return a - b, nil
	case "mul", "multiply":
		return a * b, nil
	case "div", "divide":
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a / b, nil
	default:
		return 0, fmt.Errorf("unsupported operation %q", op)
	}
}
