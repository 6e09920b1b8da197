package chat

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Rates is the price in USD per 1000 tokens.
type Rates struct {
	Prompt     float64 `yaml:"prompt" json:"prompt"`
	Completion float64 `yaml:"completion" json:"completion"`
}

type ModelInfo struct {
	ID               string `yaml:"-" json:"id"`
	DisplayName      string `yaml:"display_name" json:"displayName"`
	MaxContextTokens int    `yaml:"max_context_tokens" json:"maxContextTokens"`
	CostPer1kTokens  Rates  `yaml:"cost_per_1k_tokens" json:"costPer1kTokens"`
}

func (m ModelInfo) Cost(prompt, completion int) float64 {
	return float64(prompt)/1000*m.CostPer1kTokens.Prompt +
		float64(completion)/1000*m.CostPer1kTokens.Completion
}

const DefaultContextTokens = 4096

func flat(name string, maxTokens int, per1k float64) ModelInfo {
	return ModelInfo{
		DisplayName:      name,
		MaxContextTokens: maxTokens,
		CostPer1kTokens:  Rates{Prompt: per1k, Completion: per1k},
	}
}

var builtinModels = map[string]ModelInfo{
	"gpt-3.5-turbo":          flat("ChatGPT-3.5", 4096, 0.0015),
	"gpt-3.5-turbo-0301":     flat("ChatGPT-3.5 March 1", 4096, 0.0015),
	"gpt-3.5-turbo-0613":     flat("ChatGPT-3.5 June 13", 4096, 0.0015),
	"gpt-3.5-turbo-16k":      flat("ChatGPT-3.5 16k", 16384, 0.003),
	"gpt-3.5-turbo-16k-0613": flat("ChatGPT-3.5 16k June 13", 16384, 0.003),
	"gpt-4":                  flat("GPT-4", 8192, 0.03),
	"gpt-4-0613":             flat("GPT-4 June 13", 8192, 0.03),
}

// Catalog is the static model lookup table.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]ModelInfo
}

func NewCatalog() *Catalog {
	models := make(map[string]ModelInfo, len(builtinModels))
	for id, m := range builtinModels {
		m.ID = id
		models[id] = m
	}
	return &Catalog{models: models}
}

// LoadCatalog returns the builtin catalog extended by the YAML file at path.
// The file maps model ids to entries; entries override builtins.
func LoadCatalog(path string) (*Catalog, error) {
	c := NewCatalog()
	if path == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	var entries map[string]ModelInfo
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	for id, m := range entries {
		if m.MaxContextTokens <= 0 {
			return nil, fmt.Errorf("model %q: max_context_tokens must be positive", id)
		}
		if m.DisplayName == "" {
			m.DisplayName = id
		}
		c.Set(id, m)
	}
	return c, nil
}

func (c *Catalog) Set(id string, m ModelInfo) {
	m.ID = id
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[id] = m
}

// Lookup never fails: unknown models get a zero-cost default.
func (c *Catalog) Lookup(id string) ModelInfo {
	c.mu.RLock()
	m, ok := c.models[id]
	c.mu.RUnlock()
	if ok {
		return m
	}
	return ModelInfo{ID: id, DisplayName: id, MaxContextTokens: DefaultContextTokens}
}

func (c *Catalog) All() []ModelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ModelInfo, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
