package engine

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

const renderCompositionName = "render"

type TemplateBinding struct {
	ID                     string
	ProjectID              string
	Name                   string
	RenderingCompositionID string
	Layers                 []LayerBinding
	Skipped                []string
}

type LayerBinding struct {
	InternalID      string          `json:"internalId"`
	LayerName       string          `json:"layerName"`
	LayerType       string          `json:"layerType"`
	PropertyName    string          `json:"propertyName"`
	CompositionID   string          `json:"compositionId"`
	CompositionName string          `json:"compositionName"`
	Parametrization Parametrization `json:"parametrization"`
	MediaAutoScale  *MediaAutoScale `json:"mediaAutoScale,omitempty"`
}

type Parametrization struct {
	Value      string `json:"value"`
	Expression bool   `json:"expression"`
	Mandatory  bool   `json:"mandatory"`
}

type MediaAutoScale struct {
	Fit             bool `json:"fit"`
	KeepAspectRatio bool `json:"keepAspectRatio"`
}

type templateRequest struct {
	Name                   string         `json:"name"`
	RenderingComposition   string         `json:"renderingComposition"`
	RenderingCompositionID string         `json:"renderingCompositionId"`
	Layers                 []LayerBinding `json:"layers"`
}

// The engine is inconsistent about where it reports the created template id.
type templateResponse struct {
	ID         flexibleID `json:"id"`
	TemplateID flexibleID `json:"templateId"`
	Template   *struct {
		ID flexibleID `json:"id"`
	} `json:"template"`
	Templates []struct {
		ID   flexibleID `json:"id"`
		Name string     `json:"name"`
	} `json:"templates"`
}

// BindTemplate creates a fresh engine template that maps each placeholder key
// to the matching layer of the project. Keys without a matching layer are
// skipped. The returned binding is only valid for this project instance.
func (c *Client) BindTemplate(ctx context.Context, projectID, templateName string, imageKeys, textKeys []string) (TemplateBinding, error) {
	layers, err := c.GetProjectLayerMap(ctx, projectID)
	if err != nil {
		return TemplateBinding{}, err
	}

	binding, err := buildBinding(projectID, templateName, layers, imageKeys, textKeys)
	if err != nil {
		return TemplateBinding{}, err
	}
	for _, key := range binding.Skipped {
		c.logger.Warn().
			Str("engine_project_id", projectID).
			Str("placeholder", key).
			Msg("placeholder has no matching layer, skipping")
	}

	req := templateRequest{
		Name:                   templateName,
		RenderingComposition:   binding.renderingCompositionName,
		RenderingCompositionID: binding.RenderingCompositionID,
		Layers:                 binding.Layers,
	}
	if req.Layers == nil {
		req.Layers = []LayerBinding{}
	}

	var resp templateResponse
	if err := c.doJSON(ctx, "create template", http.MethodPost, "/projects/"+pathID(projectID)+"/templates", req, &resp); err != nil {
		return TemplateBinding{}, err
	}

	id, ambiguous := extractBindingID(projectID, templateName, resp)
	if id == "" {
		return TemplateBinding{}, &RequestError{Op: "create template", Err: errors.New("response missing template id")}
	}
	if ambiguous {
		c.logger.Warn().
			Str("engine_project_id", projectID).
			Str("engine_template_id", id).
			Msg("template id is indistinguishable from project id, engine response is ambiguous")
	}

	binding.ID = id
	c.logger.Info().
		Str("engine_project_id", projectID).
		Str("engine_template_id", id).
		Int("layers", len(binding.Layers)).
		Int("skipped", len(binding.Skipped)).
		Msg("engine template bound")
	return binding.TemplateBinding, nil
}

type plannedBinding struct {
	TemplateBinding
	renderingCompositionName string
}

func buildBinding(projectID, templateName string, layers []Layer, imageKeys, textKeys []string) (plannedBinding, error) {
	root, ok := rootComposition(layers)
	if !ok {
		return plannedBinding{}, &NoCompositionError{ProjectID: projectID}
	}

	out := plannedBinding{
		TemplateBinding: TemplateBinding{
			ProjectID:              projectID,
			Name:                   templateName,
			RenderingCompositionID: root.ID,
		},
		renderingCompositionName: root.Name,
	}

	for _, key := range imageKeys {
		media, ok := findLayer(layers, LayerMedia, key)
		if !ok {
			out.Skipped = append(out.Skipped, key)
			continue
		}
		scope, ok := findLayer(layers, LayerComposition, key)
		if !ok {
			scope = root
		}
		out.Layers = append(out.Layers, LayerBinding{
			InternalID:      media.ID,
			LayerName:       media.Name,
			LayerType:       "MEDIA",
			PropertyName:    "Source",
			CompositionID:   scope.ID,
			CompositionName: scope.Name,
			Parametrization: Parametrization{Value: "#" + key, Expression: true},
			MediaAutoScale:  &MediaAutoScale{Fit: true, KeepAspectRatio: true},
		})
	}

	for _, key := range textKeys {
		text, ok := findLayer(layers, LayerText, key)
		if !ok {
			out.Skipped = append(out.Skipped, key)
			continue
		}
		out.Layers = append(out.Layers, LayerBinding{
			InternalID:      text.ID,
			LayerName:       text.Name,
			LayerType:       "DATA",
			PropertyName:    "Source Text",
			CompositionID:   root.ID,
			CompositionName: root.Name,
			Parametrization: Parametrization{Value: "#" + key, Expression: true},
		})
	}

	return out, nil
}

// extractBindingID prefers the most specific field. When that field equals the
// project id it falls back to the next distinct candidate and reports the
// response as ambiguous.
func extractBindingID(projectID, templateName string, resp templateResponse) (string, bool) {
	var candidates []string
	if resp.Template != nil {
		candidates = append(candidates, string(resp.Template.ID))
	}
	candidates = append(candidates, string(resp.TemplateID))
	for i := len(resp.Templates) - 1; i >= 0; i-- {
		if strings.EqualFold(resp.Templates[i].Name, templateName) {
			candidates = append(candidates, string(resp.Templates[i].ID))
			break
		}
	}
	candidates = append(candidates, string(resp.ID))

	first := ""
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if first == "" {
			first = candidate
		}
		if candidate != projectID {
			return candidate, first == projectID
		}
	}
	return first, first != ""
}
