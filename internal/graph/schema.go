package graph

const workflowSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "nodes"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "nodes": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/node"}},
    "edges": {"type": "array", "items": {"$ref": "#/definitions/edge"}}
  },
  "definitions": {
    "node": {
      "type": "object",
      "required": ["id", "kind"],
      "additionalProperties": false,
      "properties": {
        "id": {"type": "string", "pattern": "^[A-Za-z0-9_.-]+$"},
        "name": {"type": "string"},
        "kind": {"type": "string", "enum": ["PHASE", "ACTION", "INTERFACE", "CHECKPOINT", "NOTIFICATION"]},
        "config": {"type": "object"},
        "contract_version": {"type": "string"},
        "timeout": {"type": "string"},
        "requires_approval": {"type": "boolean"},
        "join": {"type": "string", "enum": ["all", "any"]},
        "retry": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "max_attempts": {"type": "integer", "minimum": 0},
            "backoff": {"type": "string"},
            "max_backoff": {"type": "string"}
          }
        }
      }
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "additionalProperties": false,
      "properties": {
        "from": {"type": "string", "minLength": 1},
        "to": {"type": "string", "minLength": 1}
      }
    }
  }
}`
