package expr

import (
	"fmt"

	"github.com/roach88/pricer/internal/ir"
)

// MaxRoundScale bounds the scale accepted by round().
const MaxRoundScale = 18

type builtin struct {
	minArgs int
	maxArgs int // -1: variadic
	call    func(args []ir.Decimal) (ir.Decimal, error)
}

// builtins is the complete set of callable functions. decimal() is folded
// into a literal by the parser and never reaches evaluation.
var builtins = map[string]builtin{
	"min": {minArgs: 1, maxArgs: -1, call: func(args []ir.Decimal) (ir.Decimal, error) {
		m := args[0]
		for _, a := range args[1:] {
			m = ir.MinDecimal(m, a)
		}
		return m, nil
	}},
	"max": {minArgs: 1, maxArgs: -1, call: func(args []ir.Decimal) (ir.Decimal, error) {
		m := args[0]
		for _, a := range args[1:] {
			m = ir.MaxDecimal(m, a)
		}
		return m, nil
	}},
	"abs": {minArgs: 1, maxArgs: 1, call: func(args []ir.Decimal) (ir.Decimal, error) {
		return args[0].Abs(), nil
	}},
	"floor": {minArgs: 1, maxArgs: 1, call: func(args []ir.Decimal) (ir.Decimal, error) {
		return args[0].Floor()
	}},
	"ceil": {minArgs: 1, maxArgs: 1, call: func(args []ir.Decimal) (ir.Decimal, error) {
		return args[0].Ceil()
	}},
	"round": {minArgs: 1, maxArgs: 2, call: func(args []ir.Decimal) (ir.Decimal, error) {
		scale := int64(0)
		if len(args) == 2 {
			s, err := args[1].Int64()
			if err != nil || s < 0 || s > MaxRoundScale {
				return ir.Decimal{}, fmt.Errorf("round: scale must be an integer in [0,%d], got %s", MaxRoundScale, args[1].Canonical())
			}
			scale = s
		}
		return args[0].Round(int32(scale))
	}},
	"decimal": {minArgs: 1, maxArgs: 1},
}

// Functions returns the names of the callable functions.
func Functions() []string {
	return []string{"abs", "ceil", "decimal", "floor", "max", "min", "round"}
}
