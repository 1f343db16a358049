package models

// Field is a three-way patch value: absent leaves the target untouched,
// present with a nil Value clears it, and present with a Value sets it.
type Field[T any] struct {
	Present bool
	Value   *T
}

// Keep returns an absent field.
func Keep[T any]() Field[T] {
	return Field[T]{}
}

// Set returns a field that replaces the target with v.
func Set[T any](v T) Field[T] {
	return Field[T]{Present: true, Value: &v}
}

// Clear returns a field that resets the target to its empty value.
func Clear[T any]() Field[T] {
	return Field[T]{Present: true}
}

// WorkflowPatch is a proposed change to a session. Tools and the planner only
// ever produce patches; the workflow package is the sole place they are applied.
type WorkflowPatch struct {
	State              *WorkflowState
	Intent             Field[Intent]
	SelectedTemplateID Field[string]
	RecipientStats     Field[RecipientStats]
	Summary            Field[string]
	Context            map[string]any
}

// PatchOptions controls how a patch is applied.
type PatchOptions struct {
	AllowBackwardState bool
}
