package resolve

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// A merge document is either a bare JSON array of child key strings, or an
// object carrying a "children" array plus an optional "master" designation.
// Anything else is rejected at the boundary rather than propagated inward.
const mergeSchemaJSON = `{
	"oneOf": [
		{
			"type": "array",
			"items": {"type": "string"},
			"minItems": 1
		},
		{
			"type": "object",
			"properties": {
				"children": {
					"type": "array",
					"items": {"type": "string"},
					"minItems": 1
				},
				"master": {"type": "string"}
			},
			"required": ["children"]
		}
	]
}`

var mergeSchema = jsonschema.MustCompileString("merge.json", mergeSchemaJSON)

// decodeMergeDoc validates and converts a merge document into its ordered
// child key list.  The "master" field of the object form is informational
// only; the master key used during resolution is the requested fragment id.
func decodeMergeDoc(data []byte) ([]string, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("merge document is not valid JSON: %v", err)
	}
	if err := mergeSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("malformed merge document: %v", err)
	}
	var list []interface{}
	switch v := doc.(type) {
	case []interface{}:
		list = v
	case map[string]interface{}:
		list = v["children"].([]interface{})
	}
	children := make([]string, len(list))
	for i, c := range list {
		children[i] = c.(string)
	}
	return children, nil
}
