// Package persona loads personality records: the scripted beats, greeting and
// wrapup prompts, voice, and pacing parameters a session runs with. Records
// live as YAML files in a directory; environment variables override the
// pacing knobs at session start.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Beat is one timed scripted prompt, offset in seconds from the greeting.
type Beat struct {
	Message   string  `yaml:"message" json:"message"`
	StartTime float64 `yaml:"start_time" json:"start_time"`
}

// Record is one personality.
type Record struct {
	ID             string  `yaml:"id" json:"id"`
	Name           string  `yaml:"name" json:"name"`
	Persona        string  `yaml:"persona" json:"persona"`
	Voice          string  `yaml:"voice" json:"voice"`
	GreetingPrompt string  `yaml:"greeting_prompt" json:"greeting_prompt"`
	WrapupPrompt   string  `yaml:"wrapup_prompt" json:"wrapup_prompt"`
	Beats          []Beat  `yaml:"beats" json:"beats"`
	RepeatInterval float64 `yaml:"beat_repeat_interval_secs" json:"beat_repeat_interval_secs"`
	WrapupAfter    float64 `yaml:"wrapup_after_secs" json:"wrapup_after_secs"`
}

// SortedBeats returns the beats ordered by start time.
func (r Record) SortedBeats() []Beat {
	out := append([]Beat(nil), r.Beats...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out
}

// Library is an immutable set of loaded records.
type Library struct {
	records map[string]Record
	def     string
}

// Load reads every *.yaml / *.yml file under dir. An empty dir yields an
// empty library (sessions fall back to Default()).
func Load(dir string) (*Library, error) {
	lib := &Library{records: make(map[string]Record)}
	if strings.TrimSpace(dir) == "" {
		return lib, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("persona: read dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("persona: read %s: %w", entry.Name(), err)
		}
		var rec Record
		if err := yaml.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("persona: parse %s: %w", entry.Name(), err)
		}
		if strings.TrimSpace(rec.ID) == "" {
			rec.ID = strings.TrimSuffix(entry.Name(), ext)
		}
		lib.records[rec.ID] = rec
		if lib.def == "" {
			lib.def = rec.ID
		}
	}
	return lib, nil
}

// Get looks up a record by id; an empty or unknown id returns the default.
func (l *Library) Get(id string) Record {
	if l == nil {
		return Default()
	}
	id = strings.TrimSpace(id)
	if id != "" {
		if rec, ok := l.records[id]; ok {
			return rec
		}
	}
	if l.def != "" {
		if rec, ok := l.records[l.def]; ok {
			return rec
		}
	}
	return Default()
}

// IDs returns the loaded record ids, sorted.
func (l *Library) IDs() []string {
	if l == nil {
		return nil
	}
	out := make([]string, 0, len(l.records))
	for id := range l.records {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Default is the built-in personality used when no records are configured.
func Default() Record {
	return Record{
		ID:             "default",
		Name:           "Nia",
		Persona:        "assistant",
		GreetingPrompt: "Greet the user warmly by name and ask how you can help.",
		WrapupPrompt:   "Briefly summarize the conversation and say goodbye.",
	}
}
