package normalize

import "fmt"

// SchemaError marks a raw record whose shape cannot be mapped to the
// canonical schema. Records failing with it are dropped with a log entry and
// never abort the run.
type SchemaError struct {
	Source string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error (%s): %s", e.Source, e.Reason)
}

// UnknownCountryError marks a record whose country identity could not be
// resolved to a canonical code. Dropped and logged for a manual registry
// update, never fatal.
type UnknownCountryError struct {
	Name string
}

func (e *UnknownCountryError) Error() string {
	return fmt.Sprintf("unknown country %q", e.Name)
}
