package beeminder

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const datapointSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "value"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "timestamp": {"type": "integer"},
    "value": {"type": "number"},
    "comment": {"type": ["string", "null"]}
  }
}`

var recordSchema = jsonschema.MustCompileString("datapoint.schema.json", datapointSchema)

// record is a datapoint as the API returns it.
type record struct {
	ID        string  `json:"id"`
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
	Comment   string  `json:"comment"`
}

// decodeRecord validates raw against the datapoint schema before decoding.
// withTimestamp additionally requires a timestamp.
func decodeRecord(raw json.RawMessage, withTimestamp bool) (record, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return record{}, fmt.Errorf("decode datapoint: %w", err)
	}
	if err := recordSchema.Validate(v); err != nil {
		return record{}, fmt.Errorf("invalid datapoint: %w", err)
	}
	if withTimestamp {
		if _, ok := v.(map[string]any)["timestamp"]; !ok {
			return record{}, fmt.Errorf("invalid datapoint: missing timestamp")
		}
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return record{}, fmt.Errorf("decode datapoint: %w", err)
	}
	return r, nil
}
