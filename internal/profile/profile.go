// Package profile loads the processing profiles a conversation can run under.
package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile configures one processing profile: the prompt, the model and the
// tools a turn processed under it may use.
type Profile struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Prompt      string `yaml:"prompt"`
	Provider    string `yaml:"provider"` // empty uses the first enabled provider
	Model       string `yaml:"model"`    // empty uses the provider's default model
	// Fallbacks are tried in order when the model fails: "provider" or
	// "provider/model".
	Fallbacks []string `yaml:"fallbacks"`
	// Tools lists the allowed tools. Empty allows every registered tool.
	Tools        []string `yaml:"tools"`
	DeniedTools  []string `yaml:"denied_tools"`
	ConfirmTools []string `yaml:"confirm_tools"`
	QuickReplies []string `yaml:"quick_replies"`
	// Command binds a slash command ("/research") to the profile.
	Command      string  `yaml:"command"`
	HistoryLimit int     `yaml:"history_limit"`
	Temperature  float64 `yaml:"temperature"`
}

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

func (p Profile) Validate() error {
	if !idPattern.MatchString(p.ID) {
		return fmt.Errorf("profile id %q must be lowercase letters, digits, '-' or '_'", p.ID)
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return fmt.Errorf("profile %s: prompt is required", p.ID)
	}
	if p.Command != "" && !idPattern.MatchString(strings.TrimPrefix(p.Command, "/")) {
		return fmt.Errorf("profile %s: invalid command %q", p.ID, p.Command)
	}
	for _, fb := range p.Fallbacks {
		if provider, _, _ := strings.Cut(fb, "/"); strings.TrimSpace(provider) == "" {
			return fmt.Errorf("profile %s: invalid fallback %q", p.ID, fb)
		}
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("profile %s: temperature must be between 0 and 2", p.ID)
	}
	return nil
}

// AllowsTool reports whether the profile may call the tool.
func (p Profile) AllowsTool(name string) bool {
	for _, d := range p.DeniedTools {
		if d == name {
			return false
		}
	}
	if len(p.Tools) == 0 {
		return true
	}
	for _, t := range p.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// RequiresConfirmation reports whether the profile always asks before running the tool.
func (p Profile) RequiresConfirmation(name string) bool {
	for _, t := range p.ConfirmTools {
		if t == name {
			return true
		}
	}
	return false
}

// Builtin returns the profiles available without any profile files.
func Builtin() []Profile {
	return []Profile{
		{
			ID:          "assistant",
			Description: "Everyday household assistant",
			Prompt: `You are hearthbot, a friendly assistant for a household.
You keep notes and calendar events for the people you talk to and answer their questions.
Use the tools to read or change notes and events instead of guessing.
Keep answers short, and reply in the language the user writes in.`,
			ConfirmTools: []string{"delete_note", "delete_event"},
		},
		{
			ID:          "research",
			Description: "Longer, structured answers for a topic worth digging into",
			Prompt: `You are hearthbot in research mode.
Give thorough, well-structured answers with short headed sections.
Save findings the user wants to keep as notes, and offer to export them.`,
			Command:      "research",
			Tools:        []string{"create_note", "list_notes", "search_notes", "export_notes"},
			QuickReplies: []string{"Save as note", "Export notes"},
		},
	}
}

// LoadFromDirectory loads profile definitions from the .yaml and .yml files
// in dir. A missing directory yields no profiles. Files that cannot be read
// or parsed are skipped with a warning.
func LoadFromDirectory(dir string, logger *slog.Logger) ([]Profile, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("profiles directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read profiles dir: %w", err)
	}

	var profiles []Profile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read profile file", "path", path, "err", err)
			continue
		}

		var p Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			logger.Warn("cannot parse profile file", "path", path, "err", err)
			continue
		}
		if p.ID == "" {
			p.ID = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if err := p.Validate(); err != nil {
			logger.Warn("invalid profile file", "path", path, "err", err)
			continue
		}

		logger.Info("loaded profile", "id", p.ID, "path", path)
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// Set is an immutable collection of profiles with a default.
type Set struct {
	byID     map[string]Profile
	def      string
	commands map[string]string
}

// NewSet merges profiles (later entries replace earlier ones with the same
// id) and extra command bindings. The default must be one of the profiles.
func NewSet(profiles []Profile, defaultID string, extraCommands map[string]string) (*Set, error) {
	s := &Set{byID: make(map[string]Profile), def: defaultID, commands: make(map[string]string)}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		s.byID[p.ID] = p
	}
	if _, ok := s.byID[defaultID]; !ok {
		return nil, fmt.Errorf("default profile %q is not defined", defaultID)
	}

	for _, p := range s.byID {
		if p.Command != "" {
			s.commands[strings.ToLower(strings.TrimPrefix(p.Command, "/"))] = p.ID
		}
	}
	for cmd, id := range extraCommands {
		if _, ok := s.byID[id]; !ok {
			return nil, fmt.Errorf("command /%s maps to unknown profile %q", cmd, id)
		}
		s.commands[strings.ToLower(strings.TrimPrefix(cmd, "/"))] = id
	}
	return s, nil
}

// Load builds the set from the built-in profiles and the files in dir.
func Load(dir, defaultID string, extraCommands map[string]string, logger *slog.Logger) (*Set, error) {
	loaded, err := LoadFromDirectory(dir, logger)
	if err != nil {
		return nil, err
	}
	return NewSet(append(Builtin(), loaded...), defaultID, extraCommands)
}

func (s *Set) Get(id string) (Profile, bool) {
	p, ok := s.byID[id]
	return p, ok
}

func (s *Set) Default() Profile { return s.byID[s.def] }

func (s *Set) DefaultID() string { return s.def }

// All returns the profiles sorted by id.
func (s *Set) All() []Profile {
	out := make([]Profile, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Commands returns a copy of the command -> profile id bindings.
func (s *Set) Commands() map[string]string {
	out := make(map[string]string, len(s.commands))
	for k, v := range s.commands {
		out[k] = v
	}
	return out
}
