// Package catalog holds the static model classification table consulted by
// the access policy. A Table is immutable once built; changes are made by
// shipping a new models file and restarting.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyModelID   = errors.New("catalog: model id is empty")
	ErrDuplicateModel = errors.New("catalog: duplicate model id")
	ErrInvalidKind    = errors.New("catalog: invalid model kind")
)

// Kind is the capability family a model belongs to.
type Kind string

const (
	KindChat  Kind = "chat"
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

func (k Kind) valid() bool {
	switch k {
	case KindChat, KindImage, KindVideo, KindAudio:
		return true
	}
	return false
}

// Classification describes a single model.
type Classification struct {
	ModelID         string `yaml:"id" json:"modelId"`
	RequiresPremium bool   `yaml:"premium" json:"requiresPremium"`
	Kind            Kind   `yaml:"kind" json:"kind"`
}

// Table maps model ids to classifications.
type Table struct {
	models map[string]Classification
}

type fileFormat struct {
	Models []Classification `yaml:"models"`
}

// New builds a table from the given classifications. Model ids are matched
// case-insensitively.
func New(models []Classification) (*Table, error) {
	t := &Table{models: make(map[string]Classification, len(models))}
	for _, m := range models {
		id := normalize(m.ModelID)
		if id == "" {
			return nil, ErrEmptyModelID
		}
		if _, dup := t.models[id]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModel, m.ModelID)
		}
		if m.Kind == "" {
			m.Kind = KindChat
		}
		if !m.Kind.valid() {
			return nil, fmt.Errorf("%w: %q for %s", ErrInvalidKind, m.Kind, m.ModelID)
		}
		t.models[id] = m
	}
	return t, nil
}

// Parse reads a YAML document of the form:
//
//	models:
//	  - id: gpt-4o-mini
//	    premium: false
//	    kind: chat
func Parse(data []byte) (*Table, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	return New(f.Models)
}

// Load reads a table from a YAML file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

// Default returns the built-in table used when no models file is configured.
func Default() *Table {
	t, err := New(defaultModels)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the classification for modelID, if known.
func (t *Table) Lookup(modelID string) (Classification, bool) {
	c, ok := t.models[normalize(modelID)]
	return c, ok
}

// RequiresPremium reports whether modelID needs paid tokens.
// Unknown ids are premium.
func (t *Table) RequiresPremium(modelID string) bool {
	c, ok := t.Lookup(modelID)
	if !ok {
		return true
	}
	return c.RequiresPremium
}

// Len returns the number of classified models.
func (t *Table) Len() int { return len(t.models) }

// All returns every classification. The slice is a copy.
func (t *Table) All() []Classification {
	out := make([]Classification, 0, len(t.models))
	for _, c := range t.models {
		out = append(out, c)
	}
	return out
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

var defaultModels = []Classification{
	{ModelID: "gpt-4o-mini", RequiresPremium: false, Kind: KindChat},
	{ModelID: "gpt-3.5-turbo", RequiresPremium: false, Kind: KindChat},
	{ModelID: "claude-3-haiku", RequiresPremium: false, Kind: KindChat},
	{ModelID: "gemini-1.5-flash", RequiresPremium: false, Kind: KindChat},
	{ModelID: "dall-e-2", RequiresPremium: false, Kind: KindImage},
	{ModelID: "gpt-4o", RequiresPremium: true, Kind: KindChat},
	{ModelID: "gpt-4-turbo", RequiresPremium: true, Kind: KindChat},
	{ModelID: "claude-3-5-sonnet", RequiresPremium: true, Kind: KindChat},
	{ModelID: "claude-3-opus", RequiresPremium: true, Kind: KindChat},
	{ModelID: "dall-e-3", RequiresPremium: true, Kind: KindImage},
	{ModelID: "flux-pro", RequiresPremium: true, Kind: KindImage},
	{ModelID: "kling-video", RequiresPremium: true, Kind: KindVideo},
	{ModelID: "suno-v3", RequiresPremium: true, Kind: KindAudio},
}
