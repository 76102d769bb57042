package livehttp

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const dealSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "required": ["pair", "direction", "entry_price", "stop_price"],
  "definitions": {
    "price": {
      "oneOf": [
        {"type": "number", "exclusiveMinimum": 0},
        {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"}
      ]
    }
  },
  "properties": {
    "pair":        {"type": "string", "minLength": 5, "maxLength": 32},
    "timeframe":   {"type": "string", "maxLength": 8},
    "direction":   {"type": "string", "enum": ["long", "short", "LONG", "SHORT"]},
    "entry_price": {"$ref": "#/definitions/price"},
    "stop_price":  {"$ref": "#/definitions/price"},
    "take_price":  {"$ref": "#/definitions/price"}
  }
}`

const outcomeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "required": ["status"],
  "properties": {
    "status": {"type": "string", "enum": ["win", "loss"]},
    "at":     {"type": "string", "format": "date-time"}
  }
}`

func compileSchema(name, raw string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource(name, strings.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(name)
}
