package memory

import "encoding/json"

// CreateEntitiesArgs is an argument struct for the create_entities tool.
type CreateEntitiesArgs struct {
	Entities []Entity `json:"entities"`
}

// RelationsArgs is the argument struct of create_relations and delete_relations.
type RelationsArgs struct {
	Relations []Relation `json:"relations"`
}

// Observation lists contents added to an entity.
type Observation struct {
	EntityName string   `json:"entityName"`
	Contents   []string `json:"contents"`
}

// AddObservationsArgs is an argument struct for the add_observations tool.
type AddObservationsArgs struct {
	Observations []Observation `json:"observations"`
}

// ObservationDeletion lists observations removed from an entity.
type ObservationDeletion struct {
	EntityName   string   `json:"entityName"`
	Observations []string `json:"observations"`
}

// DeleteObservationsArgs is an argument struct for the delete_observations tool.
type DeleteObservationsArgs struct {
	Deletions []ObservationDeletion `json:"deletions"`
}

// DeleteEntitiesArgs is an argument struct for the delete_entities tool.
type DeleteEntitiesArgs struct {
	EntityNames []string `json:"entityNames"`
}

// SearchNodesArgs is an argument struct for the search_nodes tool.
type SearchNodesArgs struct {
	Query string `json:"query"`
}

// OpenNodesArgs is an argument struct for the open_nodes tool.
type OpenNodesArgs struct {
	Names []string `json:"names"`
}

var createEntitiesSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": { "type": "string", "description": "The name of the entity" },
          "entityType": { "type": "string", "description": "The type of the entity" },
          "observations": { "type": "array", "items": { "type": "string" } }
        },
        "required": ["name", "entityType", "observations"]
      }
    }
  },
  "required": ["entities"]
}`)

var relationsSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "relations": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "from": { "type": "string", "description": "The entity the relation starts at" },
          "to": { "type": "string", "description": "The entity the relation ends at" },
          "relationType": { "type": "string" }
        },
        "required": ["from", "to", "relationType"]
      }
    }
  },
  "required": ["relations"]
}`)

var addObservationsSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "observations": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "entityName": { "type": "string" },
          "contents": { "type": "array", "items": { "type": "string" } }
        },
        "required": ["entityName", "contents"]
      }
    }
  },
  "required": ["observations"]
}`)

var deleteEntitiesSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "entityNames": { "type": "array", "items": { "type": "string" } }
  },
  "required": ["entityNames"]
}`)

var deleteObservationsSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "deletions": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "entityName": { "type": "string" },
          "observations": { "type": "array", "items": { "type": "string" } }
        },
        "required": ["entityName", "observations"]
      }
    }
  },
  "required": ["deletions"]
}`)

var searchNodesSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {
      "type": "string",
      "description": "Matched against entity names, types and observations. Glob patterns such as 'Ali*' are supported."
    }
  },
  "required": ["query"]
}`)

var openNodesSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "names": { "type": "array", "items": { "type": "string" } }
  },
  "required": ["names"]
}`)

var emptySchema = json.RawMessage(`{ "type": "object", "properties": {} }`)
