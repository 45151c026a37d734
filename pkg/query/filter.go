package query

import (
	"fmt"

	"github.com/bobboyms/embeddb/pkg/errors"
	"github.com/bobboyms/embeddb/pkg/types"
)

// Operadores de comparação para filtros de busca
type Operator int

const (
	OpEq  Operator = iota // =
	OpNe                  // !=
	OpLt                  // <
	OpLte                 // <=
	OpGt                  // >
	OpGte                 // >=
)

func (op Operator) String() string {
	switch op {
	case OpEq:
		return "eq"
	case OpNe:
		return "ne"
	case OpLt:
		return "lt"
	case OpLte:
		return "lte"
	case OpGt:
		return "gt"
	case OpGte:
		return "gte"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

// ParseOperator converte o nome textual usado pelos front-ends
func ParseOperator(s string) (Operator, error) {
	switch s {
	case "eq", "=":
		return OpEq, nil
	case "ne", "!=":
		return OpNe, nil
	case "lt", "<":
		return OpLt, nil
	case "lte", "<=":
		return OpLte, nil
	case "gt", ">":
		return OpGt, nil
	case "gte", ">=":
		return OpGte, nil
	default:
		return 0, &errors.InvalidArgumentError{Reason: fmt.Sprintf("unknown filter operator %q", s)}
	}
}

// Condition é uma comparação escalar contra uma coluna
type Condition struct {
	Column string
	Op     Operator
	Value  any
}

// Construtores convenientes
func Eq(column string, value any) Condition { return Condition{Column: column, Op: OpEq, Value: value} }
func Ne(column string, value any) Condition { return Condition{Column: column, Op: OpNe, Value: value} }
func Lt(column string, value any) Condition { return Condition{Column: column, Op: OpLt, Value: value} }
func Lte(column string, value any) Condition {
	return Condition{Column: column, Op: OpLte, Value: value}
}
func Gt(column string, value any) Condition { return Condition{Column: column, Op: OpGt, Value: value} }
func Gte(column string, value any) Condition {
	return Condition{Column: column, Op: OpGte, Value: value}
}

// Filter é a conjunção (AND) das condições
type Filter []Condition

// Validate verifica colunas, operadores e compatibilidade de tipos
// antes da busca. Comparação string vs numérico é rejeitada; inteiro
// promove para float quando a coluna é FLOAT.
func (f Filter) Validate(schema *types.Schema) error {
	for _, c := range f {
		col := schema.Column(c.Column)
		if col == nil {
			return &errors.InvalidArgumentError{Reason: fmt.Sprintf("filter column %q not in schema", c.Column)}
		}
		switch c.Op {
		case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
		default:
			return &errors.InvalidArgumentError{Reason: fmt.Sprintf("unknown filter operator %d", int(c.Op))}
		}

		switch col.Type {
		case types.TypeInt, types.TypeFloat:
			if _, ok := types.AsFloat64(c.Value); !ok {
				return &errors.InvalidArgumentError{
					Reason: fmt.Sprintf("filter on numeric column %q requires a numeric value, got %T", c.Column, c.Value),
				}
			}
		case types.TypeString:
			if _, ok := c.Value.(string); !ok {
				return &errors.InvalidArgumentError{
					Reason: fmt.Sprintf("filter on string column %q requires a string value, got %T", c.Column, c.Value),
				}
			}
			if c.Op != OpEq && c.Op != OpNe {
				return &errors.InvalidArgumentError{
					Reason: fmt.Sprintf("ordering operator %s not supported on string column %q", c.Op, c.Column),
				}
			}
		case types.TypeBool:
			if _, ok := c.Value.(bool); !ok {
				return &errors.InvalidArgumentError{
					Reason: fmt.Sprintf("filter on bool column %q requires a bool value, got %T", c.Column, c.Value),
				}
			}
			if c.Op != OpEq && c.Op != OpNe {
				return &errors.InvalidArgumentError{
					Reason: fmt.Sprintf("ordering operator %s not supported on bool column %q", c.Op, c.Column),
				}
			}
		case types.TypeBytes:
			return &errors.InvalidArgumentError{
				Reason: fmt.Sprintf("column %q is not scalar, filters require scalar columns", c.Column),
			}
		}
	}
	return nil
}

// Matches verifica se a linha satisfaz todas as condições.
// Valor nulo nunca satisfaz condição alguma (semântica SQL-like).
// Assume filtro já validado contra o schema.
func (f Filter) Matches(row map[string]any) bool {
	for _, c := range f {
		v, ok := row[c.Column]
		if !ok || v == nil {
			return false
		}
		if !c.matches(v) {
			return false
		}
	}
	return true
}

func (c Condition) matches(v any) bool {
	// Numéricos comparam promovidos para float64
	if lhs, ok := types.AsFloat64(v); ok {
		rhs, ok := types.AsFloat64(c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpEq:
			return lhs == rhs
		case OpNe:
			return lhs != rhs
		case OpLt:
			return lhs < rhs
		case OpLte:
			return lhs <= rhs
		case OpGt:
			return lhs > rhs
		case OpGte:
			return lhs >= rhs
		}
		return false
	}

	switch lhs := v.(type) {
	case string:
		rhs, ok := c.Value.(string)
		if !ok {
			return false
		}
		switch c.Op {
		case OpEq:
			return lhs == rhs
		case OpNe:
			return lhs != rhs
		}
	case bool:
		rhs, ok := c.Value.(bool)
		if !ok {
			return false
		}
		switch c.Op {
		case OpEq:
			return lhs == rhs
		case OpNe:
			return lhs != rhs
		}
	}
	return false
}
