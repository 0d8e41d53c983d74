package engine

import (
	"context"
	"net/http"
	"strings"
)

type LayerKind string

const (
	LayerComposition LayerKind = "composition"
	LayerMedia       LayerKind = "media"
	LayerText        LayerKind = "text"
)

// Layer is one node of a project's flattened layer tree. ParentID is the
// nearest ancestor that is itself a Layer, empty for top-level compositions.
type Layer struct {
	ID       string
	Name     string
	Kind     LayerKind
	ParentID string
}

type layerNode struct {
	InternalID flexibleID  `json:"internalId"`
	Name       string      `json:"name"`
	Type       string      `json:"type"`
	Children   []layerNode `json:"children,omitempty"`
}

type projectMetadata struct {
	Compositions []layerNode `json:"compositions"`
}

func layerKind(engineType string) (LayerKind, bool) {
	switch strings.ToUpper(strings.TrimSpace(engineType)) {
	case "COMPOSITION", "COMP":
		return LayerComposition, true
	case "MEDIA", "FOOTAGE", "IMAGE", "VIDEO":
		return LayerMedia, true
	case "TEXT":
		return LayerText, true
	default:
		return "", false
	}
}

// GetProjectLayerMap returns the project's layer tree flattened depth first.
func (c *Client) GetProjectLayerMap(ctx context.Context, projectID string) ([]Layer, error) {
	var meta projectMetadata
	if err := c.doJSON(ctx, "get project metadata", http.MethodGet, "/projects/"+pathID(projectID)+"/metadata", nil, &meta); err != nil {
		return nil, err
	}
	return flattenLayers(meta.Compositions), nil
}

func flattenLayers(roots []layerNode) []Layer {
	var out []Layer
	var walk func(nodes []layerNode, parentID string)
	walk = func(nodes []layerNode, parentID string) {
		for _, node := range nodes {
			nextParent := parentID
			if kind, ok := layerKind(node.Type); ok && node.InternalID != "" {
				out = append(out, Layer{
					ID:       string(node.InternalID),
					Name:     node.Name,
					Kind:     kind,
					ParentID: parentID,
				})
				nextParent = string(node.InternalID)
			}
			walk(node.Children, nextParent)
		}
	}
	walk(roots, "")
	return out
}

// findLayer returns the first layer of kind whose name matches case-insensitively.
func findLayer(layers []Layer, kind LayerKind, name string) (Layer, bool) {
	name = strings.TrimSpace(name)
	for _, layer := range layers {
		if layer.Kind == kind && strings.EqualFold(strings.TrimSpace(layer.Name), name) {
			return layer, true
		}
	}
	return Layer{}, false
}

func rootComposition(layers []Layer) (Layer, bool) {
	for _, layer := range layers {
		if layer.Kind == LayerComposition && layer.Name == renderCompositionName {
			return layer, true
		}
	}
	for _, layer := range layers {
		if layer.Kind == LayerComposition {
			return layer, true
		}
	}
	return Layer{}, false
}
