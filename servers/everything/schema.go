package everything

import "encoding/json"

// EchoArgs is the arguments for the echo tool.
type EchoArgs struct {
	Message string `json:"message"`
}

// LongRunningOperationArgs is the arguments for the longRunningOperation tool. Duration is in
// seconds; nil fields take their defaults.
type LongRunningOperationArgs struct {
	Duration *float64 `json:"duration"`
	Steps    *int     `json:"steps"`
}

// SampleLLMArgs is the arguments for the sampleLLM tool.
type SampleLLMArgs struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"maxTokens"`
}

// tinyImage is a 4x4 PNG, base64 encoded.
const tinyImage = "iVBORw0KGgoAAAANSUhEUgAAAAQAAAAECAIAAAAmkwkpAAAAD0lEQVR4nGNgqP+PQMRxAF0iF+Gx4EynAAAAAElFTkSuQmCC"

var binarySchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "a": { "type": "number" },
    "b": { "type": "number" }
  },
  "required": ["a", "b"]
}`)

var powerSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "base": { "type": "number" },
    "exponent": { "type": "number" }
  },
  "required": ["base", "exponent"]
}`)

var unarySchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "value": { "type": "number", "minimum": 0 }
  },
  "required": ["value"]
}`)

var echoSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "message": { "type": "string" }
  },
  "required": ["message"]
}`)

var longRunningOperationSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "duration": { "type": "number", "default": 10, "description": "Total duration in seconds" },
    "steps": { "type": "integer", "default": 5 }
  }
}`)

var sampleLLMSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "prompt": { "type": "string" },
    "maxTokens": { "type": "integer", "default": 100 }
  },
  "required": ["prompt"]
}`)

var emptySchema = json.RawMessage(`{ "type": "object", "properties": {} }`)
