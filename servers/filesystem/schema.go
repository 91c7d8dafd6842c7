package filesystem

import "encoding/json"

// ReadFileArgs is an argument struct for the read_file tool.
type ReadFileArgs struct {
	Path string `json:"path"`
}

// ReadMultipleFilesArgs is an argument struct for the read_multiple_files tool.
type ReadMultipleFilesArgs struct {
	Paths []string `json:"paths"`
}

// WriteFileArgs is an argument struct for the write_file tool.
type WriteFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// EditFileArgs is an argument struct for the edit_file tool.
type EditFileArgs struct {
	Path   string          `json:"path"`
	Edits  []EditOperation `json:"edits"`
	DryRun bool            `json:"dryRun"`
}

// EditOperation replaces OldText with NewText.
type EditOperation struct {
	OldText string `json:"oldText"`
	NewText string `json:"newText"`
}

// PathArgs is the argument struct of the tools that take a single path.
type PathArgs struct {
	Path string `json:"path"`
}

// MoveFileArgs is an argument struct for the move_file tool.
type MoveFileArgs struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// SearchFilesArgs is an argument struct for the search_files tool.
type SearchFilesArgs struct {
	Path    string   `json:"path"`
	Pattern string   `json:"pattern"`
	Exclude []string `json:"excludePatterns"`
}

// FileInfo is the result of get_file_info.
type FileInfo struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	Modified    string `json:"modified"`
	IsDirectory bool   `json:"isDirectory"`
	IsFile      bool   `json:"isFile"`
	Permissions string `json:"permissions"`
	MimeType    string `json:"mimeType,omitempty"`
}

var pathSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": { "type": "string" }
  },
  "required": ["path"]
}`)

var readMultipleFilesSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "paths": { "type": "array", "items": { "type": "string" } }
  },
  "required": ["paths"]
}`)

var writeFileSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": { "type": "string" },
    "content": { "type": "string" }
  },
  "required": ["path", "content"]
}`)

var editFileSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": { "type": "string" },
    "edits": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "oldText": { "type": "string" },
          "newText": { "type": "string" }
        },
        "required": ["oldText", "newText"]
      }
    },
    "dryRun": { "type": "boolean", "default": false }
  },
  "required": ["path", "edits"]
}`)

var moveFileSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "source": { "type": "string" },
    "destination": { "type": "string" }
  },
  "required": ["source", "destination"]
}`)

var searchFilesSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": { "type": "string" },
    "pattern": { "type": "string", "description": "Glob such as **/*.go, or a plain substring of the name" },
    "excludePatterns": { "type": "array", "items": { "type": "string" } }
  },
  "required": ["path", "pattern"]
}`)

var emptySchema = json.RawMessage(`{ "type": "object", "properties": {} }`)
