package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models funil.yml: the board catalog, the lost-reason catalog
// and optional webhook targets. Boards and their stages are
// configuration, not user data; they are seeded into the database at
// startup and served from an in-memory registry afterwards.
type Config struct {
	Boards   []BoardConfig      `yaml:"boards"`
	Reasons  []LostReasonConfig `yaml:"lost_reasons"`
	Webhooks []WebhookConfig    `yaml:"webhooks,omitempty"`
}

type BoardConfig struct {
	ID     string        `yaml:"id"`
	Name   string        `yaml:"name"`
	Kind   string        `yaml:"kind"`
	Stages []StageConfig `yaml:"stages"`
}

type StageConfig struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	Position       int    `yaml:"position"`
	Color          string `yaml:"color,omitempty"`
	Final          bool   `yaml:"final,omitempty"`
	Won            bool   `yaml:"won,omitempty"`
	RequiresReason bool   `yaml:"requires_reason,omitempty"`
}

type LostReasonConfig struct {
	ID       string `yaml:"id"`
	Label    string `yaml:"label"`
	Active   *bool  `yaml:"active,omitempty"`
	Position int    `yaml:"position"`
}

type WebhookConfig struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret,omitempty"`
	Board          string `yaml:"board,omitempty"`
	Enabled        *bool  `yaml:"enabled,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
}

// Path returns the config file location for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".funil", "funil.yml")
}

// Load reads and validates config from the workspace, falling back to
// the built-in defaults when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the stage invariants: unique ids and positions per
// board, won only on final stages, requires_reason only on lost-final
// stages, and at least one non-final stage per board to create cards in.
func (c *Config) Validate() error {
	if len(c.Boards) == 0 {
		return fmt.Errorf("config.boards is required")
	}
	boardIDs := map[string]bool{}
	for _, b := range c.Boards {
		if b.ID == "" {
			return fmt.Errorf("board id is required")
		}
		if boardIDs[b.ID] {
			return fmt.Errorf("duplicate board id %s", b.ID)
		}
		boardIDs[b.ID] = true
		if b.Kind != "leads" && b.Kind != "tasks" {
			return fmt.Errorf("board %s: kind must be leads or tasks", b.ID)
		}
		if len(b.Stages) == 0 {
			return fmt.Errorf("board %s has no stages", b.ID)
		}
		stageIDs := map[string]bool{}
		positions := map[int]bool{}
		hasInitial := false
		for _, s := range b.Stages {
			if s.ID == "" {
				return fmt.Errorf("board %s: stage id is required", b.ID)
			}
			if stageIDs[s.ID] {
				return fmt.Errorf("board %s: duplicate stage id %s", b.ID, s.ID)
			}
			stageIDs[s.ID] = true
			if positions[s.Position] {
				return fmt.Errorf("board %s: duplicate stage position %d", b.ID, s.Position)
			}
			positions[s.Position] = true
			if s.Won && !s.Final {
				return fmt.Errorf("board %s: stage %s is won but not final", b.ID, s.ID)
			}
			if s.RequiresReason && (!s.Final || s.Won) {
				return fmt.Errorf("board %s: stage %s requires a reason but is not a lost-final stage", b.ID, s.ID)
			}
			if !s.Final {
				hasInitial = true
			}
		}
		if !hasInitial {
			return fmt.Errorf("board %s has no non-final stage", b.ID)
		}
	}
	reasonIDs := map[string]bool{}
	for _, r := range c.Reasons {
		if r.ID == "" || r.Label == "" {
			return fmt.Errorf("lost_reasons entries need id and label")
		}
		if reasonIDs[r.ID] {
			return fmt.Errorf("duplicate lost reason id %s", r.ID)
		}
		reasonIDs[r.ID] = true
	}
	for _, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhook url is required")
		}
	}
	return nil
}

// Board returns the board config by id.
func (c *Config) Board(id string) (BoardConfig, bool) {
	for _, b := range c.Boards {
		if b.ID == id {
			return b, true
		}
	}
	return BoardConfig{}, false
}

// Default returns the built-in catalog: the lead funnel with a gated
// lost stage, the task board without gating, and a small lost-reason
// catalog.
func Default() *Config {
	active := true
	return &Config{
		Boards: []BoardConfig{
			{
				ID:   "funnel",
				Name: "Funil de Vendas",
				Kind: "leads",
				Stages: []StageConfig{
					{ID: "new", Name: "Novo", Position: 0, Color: "blue"},
					{ID: "contacted", Name: "Em Contato", Position: 1, Color: "cyan"},
					{ID: "visit", Name: "Visita Agendada", Position: 2, Color: "yellow"},
					{ID: "proposal", Name: "Proposta", Position: 3, Color: "orange"},
					{ID: "won", Name: "Ganho", Position: 4, Color: "green", Final: true, Won: true},
					{ID: "lost", Name: "Perdido", Position: 5, Color: "red", Final: true, RequiresReason: true},
				},
			},
			{
				ID:   "tasks",
				Name: "Tarefas",
				Kind: "tasks",
				Stages: []StageConfig{
					{ID: "todo", Name: "A Fazer", Position: 0, Color: "gray"},
					{ID: "doing", Name: "Em Andamento", Position: 1, Color: "blue"},
					{ID: "review", Name: "Revisão", Position: 2, Color: "yellow"},
					{ID: "done", Name: "Concluída", Position: 3, Color: "green", Final: true, Won: true},
				},
			},
		},
		Reasons: []LostReasonConfig{
			{ID: "price", Label: "Preço acima do orçamento", Active: &active, Position: 0},
			{ID: "financing", Label: "Financiamento negado", Active: &active, Position: 1},
			{ID: "competitor", Label: "Fechou com outro corretor", Active: &active, Position: 2},
			{ID: "timing", Label: "Adiou a compra", Active: &active, Position: 3},
			{ID: "no_response", Label: "Sem resposta", Active: &active, Position: 4},
		},
	}
}

// ToYAML serializes the config for export.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}
