package models

import "fmt"

type CursorKind int

const (
	CursorNone  CursorKind = iota // never evaluated
	CursorDirty                   // content changed, engine state untrusted
	CursorAt                      // engine holds the steps up to Position
	CursorError                   // engine holds the steps up to Position, the next one fails
)

func (k CursorKind) String() string {
	switch k {
	case CursorNone:
		return "none"
	case CursorDirty:
		return "dirty"
	case CursorAt:
		return "at"
	case CursorError:
		return "error"
	}
	return fmt.Sprintf("CursorKind(%d)", int(k))
}

// Position is a point in the concatenation of the schema and data pipelines:
// Steps steps of Pipeline are applied, and for the data pipeline every schema
// step is applied as well.
type Position struct {
	Pipeline WorkflowType
	Steps    int
}

// Offset flattens the position into an index of schema ++ data, clamping
// Steps to the pipeline length. (schema, schemaLen) and (data, 0) share an
// offset.
func (p Position) Offset(schemaLen, dataLen int) int {
	steps := p.Steps
	if steps < 0 {
		steps = 0
	}
	if p.Pipeline == SchemaWorkflowType {
		return min(steps, schemaLen)
	}
	return schemaLen + min(steps, dataLen)
}

// Fits reports whether Steps is a valid count for the named pipeline.
func (p Position) Fits(schemaLen, dataLen int) bool {
	if p.Steps < 0 {
		return false
	}
	if p.Pipeline == SchemaWorkflowType {
		return p.Steps <= schemaLen
	}
	return p.Steps <= dataLen
}

func (p Position) String() string {
	return fmt.Sprintf("%s:%d", p.Pipeline, p.Steps)
}

// Cursor is the decoded form of a WorkflowState.
type Cursor struct {
	Kind     CursorKind
	Position Position
}
