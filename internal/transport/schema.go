package transport

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// requestSchema validates incoming request frames before they reach the
// service, so malformed peers get a transport error instead of tripping
// engine invariants.
var requestSchema = &jsonschema.Schema{
	Type:     "object",
	Required: []string{"id", "op"},
	Properties: map[string]*jsonschema.Schema{
		"id": {Type: "string", MinLength: ptr(1)},
		"op": {
			Type: "string",
			Enum: []any{
				OpGetEntity, OpGetSubgraph, OpQuery,
				OpApplyUpdate, OpCreateEntity, OpDeleteEntity,
				OpIngestRegion,
			},
		},
		"entityId":     {Type: "string"},
		"depth":        {Type: "integer", Minimum: ptrF(0)},
		"entityTypeId": {Type: "string"},
		"sourcePath":   {Type: "string"},
		"strategy":     {Type: "string"},
		"regionId":     {Type: "string"},
		"properties":   {Type: "object"},
		"notification": {
			Type:     "object",
			Required: []string{"regionId", "sourcePath"},
			Properties: map[string]*jsonschema.Schema{
				"regionId":   {Type: "string", MinLength: ptr(1)},
				"sourcePath": {Type: "string", MinLength: ptr(1)},
				"region": {
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"startLine": {Type: "integer", Minimum: ptrF(0)},
						"endLine":   {Type: "integer", Minimum: ptrF(0)},
					},
				},
				"entities":      {Type: "array"},
				"programSource": {Type: "string"},
			},
		},
	},
}

func ptr(v int) *int          { return &v }
func ptrF(v float64) *float64 { return &v }

var (
	resolveOnce sync.Once
	resolved    *jsonschema.Resolved
	resolveErr  error
)

// validateRequest checks a raw request object against the schema.
func validateRequest(raw json.RawMessage) error {
	resolveOnce.Do(func() {
		resolved, resolveErr = requestSchema.Resolve(nil)
	})
	if resolveErr != nil {
		return fmt.Errorf("request schema broken: %w", resolveErr)
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("request is not valid JSON: %w", err)
	}
	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("request rejected by schema: %w", err)
	}
	return nil
}
