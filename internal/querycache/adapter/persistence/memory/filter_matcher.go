package memory

import (
	"fmt"

	"school-portal/internal/querycache/domain/model"

	"github.com/google/cel-go/cel"
)

// Every filter is evaluated against three variables: whether the document has
// the field, the field value, and the filter value.
var operatorExpressions = map[model.Operator]string{
	model.OperatorEqual:              `present && field == value`,
	model.OperatorNotEqual:           `present && field != value`,
	model.OperatorLessThan:           `present && field < value`,
	model.OperatorLessThanOrEqual:    `present && field <= value`,
	model.OperatorGreaterThan:        `present && field > value`,
	model.OperatorGreaterThanOrEqual: `present && field >= value`,
	model.OperatorIn:                 `present && field in value`,
	model.OperatorNotIn:              `present && !(field in value)`,
	model.OperatorArrayContains:      `present && value in field`,
	model.OperatorArrayContainsAny:   `present && field.exists(x, x in value)`,
}

// FilterMatcher evaluates query filters against documents with CEL.
type FilterMatcher struct {
	programs map[model.Operator]cel.Program
}

// NewFilterMatcher compiles one program per supported operator.
func NewFilterMatcher() (*FilterMatcher, error) {
	env, err := cel.NewEnv(
		cel.Variable("present", cel.BoolType),
		cel.Variable("field", cel.DynType),
		cel.Variable("value", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	programs := make(map[model.Operator]cel.Program, len(operatorExpressions))
	for op, expr := range operatorExpressions {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("CEL compilation error for %q: %w", op, issues.Err())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to create CEL program for %q: %w", op, err)
		}
		programs[op] = program
	}
	return &FilterMatcher{programs: programs}, nil
}

// Matches reports whether doc satisfies every filter. Evaluation errors, such
// as comparing a string with a number, count as a mismatch.
func (m *FilterMatcher) Matches(doc model.Document, filters []model.Filter) bool {
	for _, f := range filters {
		ok, err := m.match(doc, f)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func (m *FilterMatcher) match(doc model.Document, f model.Filter) (bool, error) {
	program, ok := m.programs[f.Operator]
	if !ok {
		return false, fmt.Errorf("unsupported operator %q", f.Operator)
	}
	field, present := doc.Field(f.Field)

	out, _, err := program.Eval(map[string]interface{}{
		"present": present,
		"field":   field,
		"value":   f.Value,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean value")
	}
	return result, nil
}
