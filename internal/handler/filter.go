package handler

import (
	"fmt"
	"sort"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/sqlgen/sqldsl"
)

// Filter compiles an operator map against col. Operators are processed in
// sorted order so the rendered statement, and with it the batch cache key, is
// stable.
//
// Null handling: eq/notEq with a null value test IS NULL / IS NOT NULL;
// notEq and notIn keep rows whose column is NULL.
func (h *fieldHandler) Filter(col sqldsl.Expr, ops map[string]any, params *sqldsl.Params) ([]sqldsl.Expr, error) {
	names := make([]string, 0, len(ops))
	for op := range ops {
		names = append(names, op)
	}
	sort.Strings(names)

	allowed := h.spec.ops
	if h.field.List {
		allowed = listOps
	}

	var unknown []string
	for _, op := range names {
		if !allowed[op] {
			unknown = append(unknown, op)
		}
	}
	if len(unknown) > 0 {
		return nil, strata.NewUserInputError(unknown, "unsupported filter operator on %s.%s", h.typeName, h.field.Name)
	}

	preds := make([]sqldsl.Expr, 0, len(names))
	for _, op := range names {
		pred, err := h.compileOp(col, op, ops[op], params)
		if err != nil {
			return nil, err
		}
		preds = append(preds, pred)
	}
	return preds, nil
}

func (h *fieldHandler) compileOp(col sqldsl.Expr, op string, value any, params *sqldsl.Params) (sqldsl.Expr, error) {
	switch op {
	case OpIsNull:
		b, ok := value.(bool)
		if !ok {
			return nil, h.opError(op, fmt.Errorf("expected boolean, got %T", value))
		}
		if b {
			return sqldsl.IsNull{Expr: col}, nil
		}
		return sqldsl.IsNotNull{Expr: col}, nil

	case OpEq:
		if value == nil {
			return sqldsl.IsNull{Expr: col}, nil
		}
		p, err := h.bind(value, params)
		if err != nil {
			return nil, err
		}
		return sqldsl.Eq{Left: col, Right: p}, nil

	case OpNotEq:
		if value == nil {
			return sqldsl.IsNotNull{Expr: col}, nil
		}
		p, err := h.bind(value, params)
		if err != nil {
			return nil, err
		}
		return sqldsl.IsDistinctFrom{Left: col, Right: p}, nil

	case OpIn, OpNotIn:
		items, ok := value.([]any)
		if !ok {
			return nil, h.opError(op, fmt.Errorf("expected a list, got %T", value))
		}
		if len(items) == 0 {
			return sqldsl.Bool(op == OpNotIn), nil
		}
		texts := make([]string, len(items))
		for i, item := range items {
			if item == nil {
				return nil, h.opError(op, fmt.Errorf("list item %d is null", i))
			}
			v, err := h.codec.encode(item)
			if err != nil {
				return nil, h.opError(op, err)
			}
			texts[i] = textOf(v)
		}
		arr := params.AddArray(texts, h.elemType)
		if op == OpIn {
			return sqldsl.AnyOf{Left: col, Array: arr}, nil
		}
		return sqldsl.Or(sqldsl.IsNull{Expr: col}, sqldsl.NoneOf{Left: col, Array: arr}), nil

	case OpGt, OpGte, OpLt, OpLte:
		p, err := h.bind(value, params)
		if err != nil {
			return nil, err
		}
		switch op {
		case OpGt:
			return sqldsl.Gt{Left: col, Right: p}, nil
		case OpGte:
			return sqldsl.Gte{Left: col, Right: p}, nil
		case OpLt:
			return sqldsl.Lt{Left: col, Right: p}, nil
		default:
			return sqldsl.Lte{Left: col, Right: p}, nil
		}

	case OpStartsWith, OpEndsWith, OpContains:
		s, ok := value.(string)
		if !ok {
			return nil, h.opError(op, fmt.Errorf("expected string, got %T", value))
		}
		pattern := sqldsl.EscapeLike(s)
		switch op {
		case OpStartsWith:
			pattern += "%"
		case OpEndsWith:
			pattern = "%" + pattern
		default:
			pattern = "%" + pattern + "%"
		}
		return sqldsl.Like{Expr: col, Pattern: params.Add(pattern, "text")}, nil
	}
	return nil, h.opError(op, fmt.Errorf("unknown operator"))
}

func (h *fieldHandler) bind(value any, params *sqldsl.Params) (sqldsl.Expr, error) {
	v, err := h.codec.encode(value)
	if err != nil {
		return nil, h.inputError(err)
	}
	return params.Add(v, h.elemType), nil
}

func (h *fieldHandler) opError(op string, err error) error {
	return strata.NewUserInputError([]string{h.field.Name}, "invalid %s filter on %s.%s: %v", op, h.typeName, h.field.Name, err)
}
