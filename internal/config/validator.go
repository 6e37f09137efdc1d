package config

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// ConfigSchema is the JSON schema config files are checked against before
// unmarshaling. It catches type mismatches and unknown provider names with
// readable errors instead of viper decode failures.
const ConfigSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "workspace_path": {"type": "string"},
    "data_dir": {"type": "string"},
    "memory": {
      "type": "object",
      "properties": {
        "db_path": {"type": "string"},
        "token_budget": {"type": "integer", "minimum": 1},
        "overlap_tokens": {"type": "integer", "minimum": 0},
        "recent_messages": {"type": "integer", "minimum": 0},
        "maintenance_schedule": {"type": "string"},
        "disable_watcher": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "embedding": {
      "type": "object",
      "properties": {
        "provider": {"type": "string", "enum": ["openai", "noop", "none"]},
        "api_key": {"type": "string"},
        "model": {"type": "string"},
        "fallback_to_fts": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "search": {
      "type": "object",
      "properties": {
        "vector_weight": {"type": "number", "minimum": 0},
        "text_weight": {"type": "number", "minimum": 0},
        "mmr": {"type": "boolean"},
        "mmr_lambda": {"type": "number", "minimum": 0, "maximum": 1}
      },
      "additionalProperties": false
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
        "file": {"type": "string"},
        "redaction": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "metrics": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "addr": {"type": "string"}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

var schemaLoader = gojsonschema.NewStringLoader(ConfigSchema)

// ValidateSchema validates raw config JSON against the schema
func ValidateSchema(data []byte) error {
	documentLoader := gojsonschema.NewBytesLoader(data)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("config schema validation error: %w", err)
	}

	if !result.Valid() {
		var errMsg string
		for i, err := range result.Errors() {
			if i > 0 {
				errMsg += "; "
			}
			errMsg += err.String()
		}
		return fmt.Errorf("invalid config: %s", errMsg)
	}

	return nil
}
