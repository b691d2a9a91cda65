package hardware

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	tmterrors "github.com/stevehiehn/tmtgo/internal/errors"
)

// SchemaJSON is the JSON Schema of a hardware requirement tree.
const SchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "hardware requirement",
  "oneOf": [
    {"$ref": "#/definitions/and"},
    {"$ref": "#/definitions/or"},
    {"$ref": "#/definitions/block"}
  ],
  "definitions": {
    "hardware": {
      "oneOf": [
        {"$ref": "#/definitions/and"},
        {"$ref": "#/definitions/or"},
        {"$ref": "#/definitions/block"}
      ]
    },
    "and": {
      "type": "object",
      "properties": {"and": {"type": "array", "items": {"$ref": "#/definitions/hardware"}}},
      "required": ["and"],
      "additionalProperties": false
    },
    "or": {
      "type": "object",
      "properties": {"or": {"type": "array", "items": {"$ref": "#/definitions/hardware"}}},
      "required": ["or"],
      "additionalProperties": false
    },
    "number": {"type": ["integer", "string"]},
    "string": {"type": "string", "minLength": 1},
    "block": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": false,
      "properties": {
        "arch": {"$ref": "#/definitions/string"},
        "boot": {
          "type": "object", "minProperties": 1, "additionalProperties": false,
          "properties": {"method": {"$ref": "#/definitions/string"}}
        },
        "compatible": {
          "type": "object", "minProperties": 1, "additionalProperties": false,
          "properties": {"distro": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/string"}}}
        },
        "cpu": {
          "type": "object", "minProperties": 1, "additionalProperties": false,
          "properties": {
            "sockets": {"$ref": "#/definitions/number"},
            "cores": {"$ref": "#/definitions/number"},
            "threads": {"$ref": "#/definitions/number"},
            "cores-per-socket": {"$ref": "#/definitions/number"},
            "threads-per-core": {"$ref": "#/definitions/number"},
            "processors": {"$ref": "#/definitions/number"},
            "family": {"$ref": "#/definitions/number"},
            "family-name": {"$ref": "#/definitions/string"},
            "model": {"$ref": "#/definitions/number"},
            "model-name": {"$ref": "#/definitions/string"}
          }
        },
        "disk": {
          "type": "array", "minItems": 1,
          "items": {
            "type": "object", "minProperties": 1, "additionalProperties": false,
            "properties": {"size": {"$ref": "#/definitions/number"}}
          }
        },
        "hostname": {"$ref": "#/definitions/string"},
        "memory": {"$ref": "#/definitions/number"},
        "network": {
          "type": "array", "minItems": 1,
          "items": {
            "type": "object", "minProperties": 1, "additionalProperties": false,
            "properties": {
              "device-name": {"$ref": "#/definitions/string"},
              "type": {"$ref": "#/definitions/string"},
              "vendor-name": {"$ref": "#/definitions/string"}
            }
          }
        },
        "system": {
          "type": "object", "minProperties": 1, "additionalProperties": false,
          "properties": {
            "vendor": {"$ref": "#/definitions/string"},
            "model": {"$ref": "#/definitions/string"},
            "numa-nodes": {"$ref": "#/definitions/number"}
          }
        },
        "tpm": {
          "type": "object", "minProperties": 1, "additionalProperties": false,
          "properties": {"version": {"$ref": "#/definitions/string"}}
        },
        "virtualization": {
          "type": "object", "minProperties": 1, "additionalProperties": false,
          "properties": {
            "is-virtualized": {"type": "boolean"},
            "is-supported": {"type": "boolean"},
            "hypervisor": {"$ref": "#/definitions/string"}
          }
        }
      }
    }
  }
}`

const schemaURL = "hardware.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft7
		if err := compiler.AddResource(schemaURL, strings.NewReader(SchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("loading hardware schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Validate checks raw against the JSON Schema and the typed grammar
// (operators, enumerations, units). It returns a *errors.SchemaError.
func Validate(raw any) error {
	s, err := compiled()
	if err != nil {
		return err
	}
	doc, err := normalize(raw)
	if err != nil {
		return &tmterrors.SchemaError{Subject: "hardware", Issues: []string{err.Error()}}
	}

	// The typed parse pinpoints problems better than a oneOf failure, so its
	// issues win when both disagree with the input.
	if _, err := Parse(doc); err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		serr := &tmterrors.SchemaError{Subject: "hardware"}
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			for _, leaf := range leaves(verr) {
				serr.Add("%s", leaf)
			}
		}
		if len(serr.Issues) == 0 {
			serr.Add("%v", err)
		}
		return serr
	}
	return nil
}

// normalize round-trips raw through JSON so the validator sees the
// canonical encoding/json types.
func normalize(raw any) (any, error) {
	if m, ok := raw.(map[any]any); ok {
		converted, ok := asMap(m)
		if !ok {
			return nil, fmt.Errorf("mapping keys must be strings")
		}
		raw = converted
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("not representable as JSON: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func leaves(e *jsonschema.ValidationError) []string {
	if len(e.Causes) == 0 {
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + e.Message}
	}
	seen := map[string]bool{}
	var out []string
	for _, c := range e.Causes {
		for _, l := range leaves(c) {
			if !seen[l] {
				seen[l] = true
				out = append(out, l)
			}
		}
	}
	sort.Strings(out)
	return out
}
