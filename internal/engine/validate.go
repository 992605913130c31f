package engine

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/cnos-dev/ultimate-crud/internal/metadata"
	"github.com/cnos-dev/ultimate-crud/internal/store"
)

// Operation labels the write being validated, exposed to rule expressions as
// the "action" variable.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
)

// Validator runs the pre-write checks: uniqueness probes against the live
// table, structural payload checks, and descriptor business rules.
type Validator struct {
	store *store.Store
}

func NewValidator(s *store.Store) *Validator {
	return &Validator{store: s}
}

// ValidateWrite checks a payload before a create or update. Conflicts are
// checked first and returned alone; all other violations are collected and
// reported together. excludeKey, when non-nil, exempts the row being updated
// from the uniqueness probes. A non-nil second return is an infrastructure
// failure, not a validation outcome.
func (v *Validator) ValidateWrite(ctx context.Context, e *metadata.Entity, op Operation, payload map[string]any, excludeKey []any) (*AppError, error) {
	conflicts, err := v.checkUnique(ctx, e, payload, excludeKey)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return Conflict(e.ConflictStatus(), conflicts), nil
	}

	var violations []FieldViolation

	for field := range payload {
		if !e.HasColumn(field) {
			violations = append(violations, FieldViolation{
				Field:   field,
				Message: fmt.Sprintf("unknown field %q", field),
			})
		}
	}

	if op == OpCreate {
		for _, col := range e.RequiredColumns() {
			if val, ok := payload[col.Name]; !ok || val == nil {
				violations = append(violations, FieldViolation{
					Field:   col.Name,
					Message: fmt.Sprintf("%s is required", col.Name),
				})
			}
		}
	}

	for field, val := range payload {
		col := e.Column(field)
		if col == nil || col.Type != metadata.TypeEnum || val == nil {
			continue
		}
		s, ok := val.(string)
		if !ok || !contains(col.EnumValues, s) {
			violations = append(violations, FieldViolation{
				Field:   field,
				Message: fmt.Sprintf("%s must be one of %v", field, col.EnumValues),
			})
		}
	}

	ruleViolations, err := v.runRules(ctx, e, op, payload)
	if err != nil {
		return nil, err
	}
	violations = append(violations, ruleViolations...)

	if len(violations) > 0 {
		return ValidationFailed(violations), nil
	}
	return nil, nil
}

// checkUnique probes every declared unique field present in the payload and
// returns all colliding field names, not just the first.
func (v *Validator) checkUnique(ctx context.Context, e *metadata.Entity, payload map[string]any, excludeKey []any) ([]string, error) {
	fields := e.UniqueFields()
	if len(fields) == 0 {
		return nil, nil
	}

	var conflicts []string
	for _, field := range fields {
		val, ok := payload[field]
		if !ok || val == nil || !e.HasColumn(field) {
			continue
		}

		pb := v.store.Dialect.NewParamBuilder()
		q := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = %s", e.Name, field, pb.Add(val))
		if excludeKey != nil {
			for i, pk := range e.PrimaryKey() {
				q += fmt.Sprintf(" AND %s <> %s", pk.Name, pb.Add(excludeKey[i]))
			}
		}
		q += " LIMIT 1"

		qctx, cancel := context.WithTimeout(ctx, v.store.Timeout)
		rows, err := store.QueryRows(qctx, v.store.DB, q, pb.Params()...)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("uniqueness probe on %s.%s: %w", e.Name, field, err)
		}
		if len(rows) > 0 {
			conflicts = append(conflicts, field)
		}
	}
	return conflicts, nil
}

// runRules evaluates every business rule and collects violations without
// short-circuiting. Programs are compiled once and cached on the rule.
func (v *Validator) runRules(ctx context.Context, e *metadata.Entity, op Operation, payload map[string]any) ([]FieldViolation, error) {
	var violations []FieldViolation
	principal := metadata.PrincipalFrom(ctx)
	env := map[string]any{
		"record": payload,
		"action": string(op),
		"principal": map[string]any{
			"user_id": principal.UserID,
			"role":    principal.Role,
		},
	}

	for i := range e.Rules {
		rule := &e.Rules[i]
		program, ok := rule.Compiled.(*vm.Program)
		if !ok {
			compiled, err := expr.Compile(rule.Expression, expr.AllowUndefinedVariables())
			if err != nil {
				return nil, fmt.Errorf("compile rule %q on %s: %w", rule.Expression, e.Name, err)
			}
			rule.Compiled = compiled
			program = compiled
		}

		out, err := expr.Run(program, env)
		if err != nil {
			return nil, fmt.Errorf("evaluate rule %q on %s: %w", rule.Expression, e.Name, err)
		}
		if violated, ok := out.(bool); ok && violated {
			msg := rule.Message
			if msg == "" {
				msg = fmt.Sprintf("rule %q failed", rule.Expression)
			}
			violations = append(violations, FieldViolation{Field: rule.Field, Message: msg})
		}
	}
	return violations, nil
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}
