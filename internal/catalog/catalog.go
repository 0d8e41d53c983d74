package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var ErrTemplateNotFound = errors.New("template not found")

// Placeholder is a named customization point declared by a template.
type Placeholder struct {
	Key         string `toml:"key" yaml:"key" json:"key"`
	Label       string `toml:"label" yaml:"label" json:"label"`
	Description string `toml:"description" yaml:"description" json:"description,omitempty"`
}

type Template struct {
	ID                string        `toml:"id" yaml:"id" json:"id"`
	Name              string        `toml:"name" yaml:"name" json:"name"`
	SourceArchiveURL  string        `toml:"source_archive_url" yaml:"source_archive_url" json:"source_archive_url"`
	ImagePlaceholders []Placeholder `toml:"image_placeholders" yaml:"image_placeholders" json:"image_placeholders"`
	TextPlaceholders  []Placeholder `toml:"text_placeholders" yaml:"text_placeholders" json:"text_placeholders"`
}

func (t Template) ImageKeys() []string {
	return placeholderKeys(t.ImagePlaceholders)
}

func (t Template) TextKeys() []string {
	return placeholderKeys(t.TextPlaceholders)
}

func (t Template) DeclaresKey(key string) bool {
	return slices.Contains(t.ImageKeys(), key) || slices.Contains(t.TextKeys(), key)
}

func placeholderKeys(placeholders []Placeholder) []string {
	keys := make([]string, 0, len(placeholders))
	for _, p := range placeholders {
		keys = append(keys, p.Key)
	}
	return keys
}

type document struct {
	Templates []Template `toml:"templates" yaml:"templates"`
}

// Memory is a read-only, in-process catalog.
type Memory struct {
	templates map[string]Template
}

func NewMemory(templates ...Template) (*Memory, error) {
	m := &Memory{templates: make(map[string]Template, len(templates))}
	for _, tpl := range templates {
		tpl.ID = strings.TrimSpace(tpl.ID)
		if tpl.ID == "" {
			return nil, fmt.Errorf("template id is required")
		}
		if _, ok := m.templates[tpl.ID]; ok {
			return nil, fmt.Errorf("duplicate template id %q", tpl.ID)
		}
		seen := make(map[string]bool)
		for _, key := range append(tpl.ImageKeys(), tpl.TextKeys()...) {
			if strings.TrimSpace(key) == "" {
				return nil, fmt.Errorf("template %s: placeholder key is required", tpl.ID)
			}
			if seen[key] {
				return nil, fmt.Errorf("template %s: duplicate placeholder key %q", tpl.ID, key)
			}
			seen[key] = true
		}
		m.templates[tpl.ID] = tpl
	}
	return m, nil
}

// LoadFile parses a TOML or YAML catalog, chosen by file extension.
func LoadFile(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var doc document
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, fmt.Errorf("decode toml catalog: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode yaml catalog: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", ext)
	}

	return NewMemory(doc.Templates...)
}

func (m *Memory) Template(_ context.Context, id string) (Template, error) {
	tpl, ok := m.templates[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return tpl, nil
}

func (m *Memory) Len() int {
	return len(m.templates)
}
