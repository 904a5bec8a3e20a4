package api

// VertexKind classifies a vertex in an exported graph.
type VertexKind string

const (
	VertexRoot             VertexKind = "root"
	VertexNext             VertexKind = "next"
	VertexBranchController VertexKind = "branch_controller"
	VertexBranch           VertexKind = "branch"
	VertexEnd              VertexKind = "end"
)

// EndVertexID is the id of the single terminal vertex.
const EndVertexID = NoStep

// Vertex is a step in an exported graph.
type Vertex struct {
	ID       int
	Name     string
	Kind     VertexKind
	StepKind StepKind
}

// Edge connects two vertices. Label is "next", a branch key, or "return"
// for the edge from a branch's last step back to its controller.
type Edge struct {
	From  int
	To    int
	Label string
}

// Graph is a read-only view of a definition for tooling. The engine does not
// use it at runtime.
type Graph struct {
	DefinitionID string
	Version      int
	Vertices     []Vertex
	Edges        []Edge
}

// Graph derives the vertex/edge view of a sealed definition.
func (d *Definition) Graph() Graph {
	g := Graph{DefinitionID: d.ID, Version: d.Version}
	for _, s := range d.Steps {
		kind := VertexNext
		switch {
		case s.IsRoot:
			kind = VertexRoot
		case len(s.Branches) > 0:
			kind = VertexBranchController
		case s.InBranch() && s.StartingStepID == s.ID:
			kind = VertexBranch
		}
		g.Vertices = append(g.Vertices, Vertex{ID: s.ID, Name: s.Name, Kind: kind, StepKind: s.Kind})

		for _, b := range s.Branches {
			g.Edges = append(g.Edges, Edge{From: s.ID, To: b.StepID, Label: b.Key})
		}
		switch {
		case s.NextStepID != NoStep:
			g.Edges = append(g.Edges, Edge{From: s.ID, To: s.NextStepID, Label: "next"})
		case s.InBranch():
			g.Edges = append(g.Edges, Edge{From: s.ID, To: s.BranchControllerID, Label: "return"})
		default:
			g.Edges = append(g.Edges, Edge{From: s.ID, To: EndVertexID, Label: "next"})
		}
	}
	g.Vertices = append(g.Vertices, Vertex{ID: EndVertexID, Name: "end", Kind: VertexEnd})
	return g
}

// Vertex looks up a vertex by id.
func (g Graph) Vertex(id int) (Vertex, bool) {
	for _, v := range g.Vertices {
		if v.ID == id {
			return v, true
		}
	}
	return Vertex{}, false
}

// EdgesFrom returns the outgoing edges of a vertex.
func (g Graph) EdgesFrom(id int) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}
