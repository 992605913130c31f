package metadata

import "fmt"

// InvalidAssociationError is a startup-time fatal raised when a declared
// association references a column or entity that does not exist.
type InvalidAssociationError struct {
	Entity string
	As     string
	Reason string
}

func (e *InvalidAssociationError) Error() string {
	return fmt.Sprintf("invalid association %q on entity %q: %s", e.As, e.Entity, e.Reason)
}

// MissingProcedureNameError is a startup-time fatal raised when a procedure
// entity omits the explicit routine name. The entity name is never silently
// reused as the callable name.
type MissingProcedureNameError struct {
	Entity string
}

func (e *MissingProcedureNameError) Error() string {
	return fmt.Sprintf("procedure entity %q has no procedure name configured", e.Entity)
}
