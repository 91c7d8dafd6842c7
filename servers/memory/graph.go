package memory

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gobwas/glob"

	"github.com/airsstack/airsstack-sub002"
)

// Entity is a named node of the knowledge graph.
type Entity struct {
	Name         string   `json:"name"`
	EntityType   string   `json:"entityType"`
	Observations []string `json:"observations"`
}

// Relation is a directed, typed edge between two entities. Relations are written in active
// voice, for example "Alice works_at Acme".
type Relation struct {
	From         string `json:"from"`
	To           string `json:"to"`
	RelationType string `json:"relationType"`
}

// Graph is a set of entities and the relations between them.
type Graph struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

func emptyGraph() Graph {
	return Graph{Entities: []Entity{}, Relations: []Relation{}}
}

func (g Graph) clone() Graph {
	c := Graph{
		Entities:  make([]Entity, len(g.Entities)),
		Relations: slices.Clone(g.Relations),
	}
	for i, e := range g.Entities {
		e.Observations = slices.Clone(e.Observations)
		c.Entities[i] = e
	}
	if c.Relations == nil {
		c.Relations = []Relation{}
	}
	return c
}

func (g *Graph) entity(name string) int {
	return slices.IndexFunc(g.Entities, func(e Entity) bool { return e.Name == name })
}

// createEntities adds the entities whose names are new and returns them.
func (g *Graph) createEntities(entities []Entity) []Entity {
	added := []Entity{}
	for _, e := range entities {
		if e.Name == "" || g.entity(e.Name) >= 0 {
			continue
		}
		if e.Observations == nil {
			e.Observations = []string{}
		}
		g.Entities = append(g.Entities, e)
		added = append(added, e)
	}
	return added
}

// createRelations adds the relations not already present and returns them.
func (g *Graph) createRelations(relations []Relation) []Relation {
	added := []Relation{}
	for _, r := range relations {
		if slices.Contains(g.Relations, r) {
			continue
		}
		g.Relations = append(g.Relations, r)
		added = append(added, r)
	}
	return added
}

// addObservations appends the new contents to each entity and returns what was added. Unknown
// entities fail the whole call.
func (g *Graph) addObservations(obs []Observation) ([]Observation, error) {
	results := make([]Observation, 0, len(obs))
	for _, o := range obs {
		i := g.entity(o.EntityName)
		if i < 0 {
			return nil, mcp.NewToolError("entity with name %s not found", o.EntityName)
		}
		added := []string{}
		for _, content := range o.Contents {
			if slices.Contains(g.Entities[i].Observations, content) {
				continue
			}
			g.Entities[i].Observations = append(g.Entities[i].Observations, content)
			added = append(added, content)
		}
		results = append(results, Observation{EntityName: o.EntityName, Contents: added})
	}
	return results, nil
}

// deleteEntities removes the named entities and every relation touching them.
func (g *Graph) deleteEntities(names []string) {
	g.Entities = slices.DeleteFunc(g.Entities, func(e Entity) bool {
		return slices.Contains(names, e.Name)
	})
	g.Relations = slices.DeleteFunc(g.Relations, func(r Relation) bool {
		return slices.Contains(names, r.From) || slices.Contains(names, r.To)
	})
}

// deleteObservations removes observations. Unknown entities are ignored.
func (g *Graph) deleteObservations(deletions []ObservationDeletion) {
	for _, d := range deletions {
		i := g.entity(d.EntityName)
		if i < 0 {
			continue
		}
		g.Entities[i].Observations = slices.DeleteFunc(g.Entities[i].Observations, func(o string) bool {
			return slices.Contains(d.Observations, o)
		})
	}
}

func (g *Graph) deleteRelations(relations []Relation) {
	g.Relations = slices.DeleteFunc(g.Relations, func(r Relation) bool {
		return slices.Contains(relations, r)
	})
}

// search returns the entities whose name, type or an observation matches query, and the
// relations between them. Matching is a case-insensitive substring test, or a glob match when
// query contains glob metacharacters.
func (g Graph) search(query string) (Graph, error) {
	match, err := matcher(query)
	if err != nil {
		return Graph{}, err
	}
	return g.subgraph(func(e Entity) bool {
		if match(e.Name) || match(e.EntityType) {
			return true
		}
		return slices.ContainsFunc(e.Observations, match)
	}), nil
}

// open returns the named entities and the relations between them.
func (g Graph) open(names []string) Graph {
	return g.subgraph(func(e Entity) bool { return slices.Contains(names, e.Name) })
}

func (g Graph) subgraph(keep func(Entity) bool) Graph {
	sub := emptyGraph()
	names := make(map[string]struct{})
	for _, e := range g.Entities {
		if keep(e) {
			sub.Entities = append(sub.Entities, e)
			names[e.Name] = struct{}{}
		}
	}
	for _, r := range g.Relations {
		_, from := names[r.From]
		_, to := names[r.To]
		if from && to {
			sub.Relations = append(sub.Relations, r)
		}
	}
	return sub
}

func matcher(query string) (func(string) bool, error) {
	q := strings.ToLower(query)
	if !strings.ContainsAny(q, "*?[{") {
		return func(s string) bool { return strings.Contains(strings.ToLower(s), q) }, nil
	}
	g, err := glob.Compile(q)
	if err != nil {
		return nil, mcp.NewProviderError(mcp.ProviderErrorInvalidInput, fmt.Sprintf("invalid query pattern %q", query), err)
	}
	return func(s string) bool { return g.Match(strings.ToLower(s)) }, nil
}

// record is one line of the graph file.
type record struct {
	Type string `json:"type"`

	Name         string   `json:"name,omitempty"`
	EntityType   string   `json:"entityType,omitempty"`
	Observations []string `json:"observations,omitempty"`

	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
	RelationType string `json:"relationType,omitempty"`
}

// loadGraph reads a graph file: one JSON record per line, or a single JSON array of records. A
// missing file is an empty graph.
func loadGraph(path string) (Graph, error) {
	g := emptyGraph()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return g, nil
	}
	if err != nil {
		return Graph{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var records []record
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("[")) {
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return Graph{}, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	} else {
		sc := bufio.NewScanner(bytes.NewReader(trimmed))
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for line := 1; sc.Scan(); line++ {
			if len(bytes.TrimSpace(sc.Bytes())) == 0 {
				continue
			}
			var rec record
			if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
				return Graph{}, fmt.Errorf("failed to decode %s line %d: %w", path, line, err)
			}
			records = append(records, rec)
		}
		if err := sc.Err(); err != nil {
			return Graph{}, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	for _, rec := range records {
		switch rec.Type {
		case "entity":
			obs := rec.Observations
			if obs == nil {
				obs = []string{}
			}
			g.Entities = append(g.Entities, Entity{Name: rec.Name, EntityType: rec.EntityType, Observations: obs})
		case "relation":
			g.Relations = append(g.Relations, Relation{From: rec.From, To: rec.To, RelationType: rec.RelationType})
		}
	}
	return g, nil
}

// saveGraph writes g as JSON lines, replacing path atomically.
func saveGraph(path string, g Graph) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range g.Entities {
		if err := enc.Encode(record{Type: "entity", Name: e.Name, EntityType: e.EntityType, Observations: e.Observations}); err != nil {
			return err
		}
	}
	for _, r := range g.Relations {
		if err := enc.Encode(record{Type: "relation", From: r.From, To: r.To, RelationType: r.RelationType}); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to save graph: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save graph: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to save graph: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to save graph: %w", err)
	}
	return nil
}
