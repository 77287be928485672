package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ensemble-ai/ensemble/internal/tools"
)

type calculatorArgs struct {
	Operation string  `json:"operation" jsonschema:"required,enum=add,enum=subtract,enum=multiply,enum=divide,description=Arithmetic operation to perform"`
	A         float64 `json:"a" jsonschema:"required,description=First operand"`
	B         float64 `json:"b" jsonschema:"required,description=Second operand"`
}

// Calculator evaluates two-operand arithmetic.
type Calculator struct{}

// NewCalculator creates the calculator tool.
func NewCalculator() *Calculator { return &Calculator{} }

// Name returns the tool name.
func (c *Calculator) Name() string { return "calculator" }

// Description describes the tool.
func (c *Calculator) Description() string {
	return "Performs basic arithmetic (add, subtract, multiply, divide) on two numbers."
}

// Schema defines the tool parameters.
func (c *Calculator) Schema() json.RawMessage {
	return tools.ReflectSchema[calculatorArgs]()
}

// Execute evaluates the requested operation.
func (c *Calculator) Execute(_ context.Context, params json.RawMessage) (*tools.Result, error) {
	var input calculatorArgs
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid params: %v", err)), nil
	}

	var result float64
	switch input.Operation {
	case "add":
		result = input.A + input.B
	case "subtract":
		result = input.A - input.B
	case "multiply":
		result = input.A * input.B
	case "divide":
		if input.B == 0 {
			return toolError("division by zero"), nil
		}
		result = input.A / input.B
	default:
		return toolError(fmt.Sprintf("unsupported operation %q", input.Operation)), nil
	}

	return &tools.Result{Content: strconv.FormatFloat(result, 'f', -1, 64)}, nil
}
