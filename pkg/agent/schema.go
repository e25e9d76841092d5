package agent

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// SchemaFor derives a JSON Schema document from a Go struct's fields and
// json tags. Fields without omitempty are marked required; unknown
// properties are tolerated so models that over-produce arguments still
// validate.
func SchemaFor[T any]() string {
	reflector := &jsonschema.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	var zero T
	schema := reflector.Reflect(&zero)
	data, err := json.Marshal(schema)
	if err != nil {
		return permissiveSchema
	}
	return string(data)
}
