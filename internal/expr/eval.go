package expr

import (
	"fmt"
	"math"
)

// Resolver supplies values for identifiers during evaluation. It is
// the only input besides the AST: evaluation keeps no ambient state.
type Resolver func(name string) (float64, bool)

// Eval evaluates a parsed formula against a resolver. It fails on an
// unresolved identifier, division by zero, or a non-finite result;
// those surface to callers as field-scoped errors, never as a
// substituted default.
func Eval(n *Node, resolve Resolver) (float64, error) {
	v, err := eval(n, resolve)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite result")
	}
	return v, nil
}

func eval(n *Node, resolve Resolver) (float64, error) {
	switch n.Kind {
	case KindNumber:
		return n.Value, nil
	case KindIdent:
		v, ok := resolve(n.Name)
		if !ok {
			return 0, fmt.Errorf("unresolved identifier %q", n.Name)
		}
		return v, nil
	case KindUnary:
		v, err := eval(n.Left, resolve)
		if err != nil {
			return 0, err
		}
		return -v, nil
	case KindBinary:
		l, err := eval(n.Left, resolve)
		if err != nil {
			return 0, err
		}
		r, err := eval(n.Right, resolve)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case "+":
			return l + r, nil
		case "-":
			return l - r, nil
		case "*":
			return l * r, nil
		case "/":
			if r == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return l / r, nil
		}
	}
	return 0, fmt.Errorf("invalid formula node")
}
