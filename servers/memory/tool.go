package memory

import (
	"context"
	"encoding/json"

	"github.com/airsstack/airsstack-sub002"
)

var readOnly = &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true}

var toolList = []mcp.Tool{
	{
		Name:        "create_entities",
		Description: "Create multiple new entities in the knowledge graph. Existing names are skipped.",
		InputSchema: createEntitiesSchema,
		Annotations: &mcp.ToolAnnotations{IdempotentHint: true},
	},
	{
		Name: "create_relations",
		Description: "Create multiple new relations between entities in the knowledge graph. " +
			"Relations should be in active voice.",
		InputSchema: relationsSchema,
		Annotations: &mcp.ToolAnnotations{IdempotentHint: true},
	},
	{
		Name:        "add_observations",
		Description: "Add new observations to existing entities in the knowledge graph.",
		InputSchema: addObservationsSchema,
	},
	{
		Name:        "delete_entities",
		Description: "Delete multiple entities and their associated relations from the knowledge graph.",
		InputSchema: deleteEntitiesSchema,
		Annotations: &mcp.ToolAnnotations{DestructiveHint: true, IdempotentHint: true},
	},
	{
		Name:        "delete_observations",
		Description: "Delete specific observations from entities in the knowledge graph.",
		InputSchema: deleteObservationsSchema,
		Annotations: &mcp.ToolAnnotations{DestructiveHint: true, IdempotentHint: true},
	},
	{
		Name:        "delete_relations",
		Description: "Delete multiple relations from the knowledge graph.",
		InputSchema: relationsSchema,
		Annotations: &mcp.ToolAnnotations{DestructiveHint: true, IdempotentHint: true},
	},
	{
		Name:        "read_graph",
		Description: "Read the entire knowledge graph.",
		InputSchema: emptySchema,
		Annotations: readOnly,
	},
	{
		Name:        "search_nodes",
		Description: "Search for nodes in the knowledge graph based on a query.",
		InputSchema: searchNodesSchema,
		Annotations: readOnly,
	},
	{
		Name:        "open_nodes",
		Description: "Open specific nodes in the knowledge graph by their names.",
		InputSchema: openNodesSchema,
		Annotations: readOnly,
	},
}

func (s *Server) createEntities(_ context.Context, args CreateEntitiesArgs) ([]mcp.Content, error) {
	var added []Entity
	err := s.update(func(g *Graph) error {
		added = g.createEntities(args.Entities)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jsonContent(added)
}

func (s *Server) createRelations(_ context.Context, args RelationsArgs) ([]mcp.Content, error) {
	var added []Relation
	err := s.update(func(g *Graph) error {
		added = g.createRelations(args.Relations)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jsonContent(added)
}

func (s *Server) addObservations(_ context.Context, args AddObservationsArgs) ([]mcp.Content, error) {
	var added []Observation
	err := s.update(func(g *Graph) error {
		var err error
		added, err = g.addObservations(args.Observations)
		return err
	})
	if err != nil {
		return nil, err
	}
	return jsonContent(added)
}

func (s *Server) deleteEntities(_ context.Context, args DeleteEntitiesArgs) ([]mcp.Content, error) {
	err := s.update(func(g *Graph) error {
		g.deleteEntities(args.EntityNames)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []mcp.Content{mcp.NewTextContent("Entities deleted successfully")}, nil
}

func (s *Server) deleteObservations(_ context.Context, args DeleteObservationsArgs) ([]mcp.Content, error) {
	err := s.update(func(g *Graph) error {
		g.deleteObservations(args.Deletions)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []mcp.Content{mcp.NewTextContent("Observations deleted successfully")}, nil
}

func (s *Server) deleteRelations(_ context.Context, args RelationsArgs) ([]mcp.Content, error) {
	err := s.update(func(g *Graph) error {
		g.deleteRelations(args.Relations)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []mcp.Content{mcp.NewTextContent("Relations deleted successfully")}, nil
}

func (s *Server) readGraph(context.Context, struct{}) ([]mcp.Content, error) {
	return jsonContent(s.Graph())
}

func (s *Server) searchNodes(_ context.Context, args SearchNodesArgs) ([]mcp.Content, error) {
	sub, err := s.Graph().search(args.Query)
	if err != nil {
		return nil, err
	}
	return jsonContent(sub)
}

func (s *Server) openNodes(_ context.Context, args OpenNodesArgs) ([]mcp.Content, error) {
	return jsonContent(s.Graph().open(args.Names))
}

func jsonContent(v any) ([]mcp.Content, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, mcp.NewProviderError(mcp.ProviderErrorInternal, "failed to encode result", err)
	}
	return []mcp.Content{mcp.NewTextContent(string(data))}, nil
}
