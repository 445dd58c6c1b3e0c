package edit

import (
	"context"
	"fmt"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/object"

	"github.com/foliodev/folio/internal/types"
)

const defaultProgramTimeout = 5 * time.Second

// RisorProgram runs an inline script as a translation program. The script
// sees four globals and must evaluate to the replacement region text:
//
//	source    - full current file text
//	op        - "update", "create", or "delete"
//	entity_id - target entity ID ("" for create)
//	patch     - property patch map (nil values mean delete)
//
// Scripts get no file system, network, or OS access; they are pure text
// translators with an execution deadline.
type RisorProgram struct {
	Source  string
	Timeout time.Duration
}

// NewRisorProgram wraps script source as a translation program.
func NewRisorProgram(source string) (*RisorProgram, error) {
	if source == "" {
		return nil, errNoProgramSource
	}
	return &RisorProgram{Source: source, Timeout: defaultProgramTimeout}, nil
}

func (p *RisorProgram) eval(op, source string, entityID types.EntityID, patch types.PropertyPatch) (string, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProgramTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := risor.Eval(ctx, p.Source,
		risor.WithGlobal("source", source),
		risor.WithGlobal("op", op),
		risor.WithGlobal("entity_id", string(entityID)),
		risor.WithGlobal("patch", map[string]any(patch)),
	)
	if err != nil {
		return "", fmt.Errorf("translation program failed: %w", err)
	}
	str, ok := result.(*object.String)
	if !ok {
		return "", fmt.Errorf("translation program returned %s, want string", result.Type())
	}
	return str.Value(), nil
}

func (p *RisorProgram) UpdateEntity(source string, entityID types.EntityID, patch types.PropertyPatch) (string, error) {
	return p.eval("update", source, entityID, patch)
}

func (p *RisorProgram) CreateEntity(source string, properties types.PropertyPatch) (string, error) {
	return p.eval("create", source, "", properties)
}

func (p *RisorProgram) DeleteEntity(source string, entityID types.EntityID) (string, error) {
	return p.eval("delete", source, entityID, nil)
}
