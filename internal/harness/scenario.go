package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted engine session: a list of steps run against a
// fresh engine and the expectations checked afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario demonstrates.
	Description string `yaml:"description"`

	// Local is the local participant id of the engine (default "local").
	Local string `yaml:"local,omitempty"`

	// HistoryLimit bounds the operation log; zero keeps the engine default.
	HistoryLimit int `yaml:"history_limit,omitempty"`

	Steps  []Step        `yaml:"steps"`
	Expect []Expectation `yaml:"expect"`
}

// Step is one engine call. Session is a label chosen in the create step;
// the harness maps it to the engine-assigned id.
type Step struct {
	Action  string `yaml:"action"`
	Session string `yaml:"session"`

	// create
	Document string `yaml:"document,omitempty"`
	Content  string `yaml:"content,omitempty"` // create: initial text; text: new text

	// join, leave, cursor, remote, and insert/delete/text acting as a
	// participant other than the local one
	Participant string `yaml:"participant,omitempty"`
	Name        string `yaml:"name,omitempty"`
	Color       string `yaml:"color,omitempty"`

	// insert, delete, remote
	Position int    `yaml:"position,omitempty"`
	Text     string `yaml:"text,omitempty"`
	Length   int    `yaml:"length,omitempty"`

	// remote
	ID   string `yaml:"id,omitempty"`
	Kind string `yaml:"kind,omitempty"`

	// cursor
	Line   int `yaml:"line,omitempty"`
	Column int `yaml:"column,omitempty"`

	// Error is the expected engine error code; the step must fail with it.
	Error string `yaml:"error,omitempty"`
}

// Expectation checks the final state of one session. Unset fields are not
// checked.
type Expectation struct {
	Session      string   `yaml:"session"`
	Exists       *bool    `yaml:"exists,omitempty"`
	Content      *string  `yaml:"content,omitempty"`
	Participants []string `yaml:"participants,omitempty"`
	Online       []string `yaml:"online,omitempty"`
	Operations   *int     `yaml:"operations,omitempty"`
}

// Step actions.
const (
	ActionCreate    = "create"
	ActionJoin      = "join"
	ActionLeave     = "leave"
	ActionInsert    = "insert"
	ActionDelete    = "delete"
	ActionText      = "text"
	ActionRemote    = "remote"
	ActionCursor    = "cursor"
	ActionClose     = "close"
	ActionSerialize = "serialize"
	ActionRestore   = "restore"
)

var validActions = map[string]bool{
	ActionCreate: true, ActionJoin: true, ActionLeave: true,
	ActionInsert: true, ActionDelete: true, ActionText: true,
	ActionRemote: true, ActionCursor: true, ActionClose: true,
	ActionSerialize: true, ActionRestore: true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field validation.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "expects:" vs "expect:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	created := map[string]bool{}
	for i, step := range s.Steps {
		if !validActions[step.Action] {
			return fmt.Errorf("steps[%d]: unknown action %q", i, step.Action)
		}
		if step.Session == "" {
			return fmt.Errorf("steps[%d]: session is required", i)
		}
		switch step.Action {
		case ActionCreate:
			if created[step.Session] {
				return fmt.Errorf("steps[%d]: session %q created twice", i, step.Session)
			}
			created[step.Session] = true
		case ActionJoin, ActionLeave, ActionCursor:
			if step.Participant == "" {
				return fmt.Errorf("steps[%d]: participant is required for %s", i, step.Action)
			}
		case ActionRemote:
			if step.Participant == "" || step.ID == "" || step.Kind == "" {
				return fmt.Errorf("steps[%d]: remote needs participant, id and kind", i)
			}
		}
	}

	for i, e := range s.Expect {
		if e.Session == "" {
			return fmt.Errorf("expect[%d]: session is required", i)
		}
		if !created[e.Session] {
			return fmt.Errorf("expect[%d]: session %q is never created", i, e.Session)
		}
	}
	return nil
}
