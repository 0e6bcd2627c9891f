package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Prompts is the prompt catalogue used by the chat proxy.
type Prompts struct {
	SystemPrompt       string   `yaml:"system_prompt"`
	TopicPrompt        string   `yaml:"topic_prompt"`
	ContextInstruction string   `yaml:"context_instruction"`
	SearchIntent       []string `yaml:"search_intent_patterns"`
}

const defaultSystemPrompt = "You are the teaching assistant of this university course. " +
	"Answer students' questions about the course, its projects and the related subject matter. " +
	"Be concise, accurate and encouraging. If you do not know the answer, say so instead of guessing."

const defaultTopicPrompt = "This consultation is about: %s. Keep your answers focused on this topic."

const defaultContextInstruction = "Use the following retrieved reference material when it is relevant to the question. " +
	"Cite the section titles you rely on. If the material does not cover the question, say so."

var defaultSearchIntent = []string{
	`(?i)\bsearch (for|the web)\b`,
	`(?i)\blook(ing)? up\b`,
	`(?i)\blatest\b`,
	`(?i)\brecent news\b`,
	`(?i)\bfind (information|info|sources) (about|on)\b`,
	`(?i)\bwhat('s| is) new\b`,
}

// DefaultPrompts returns the built-in catalogue.
func DefaultPrompts() *Prompts {
	return &Prompts{
		SystemPrompt:       defaultSystemPrompt,
		TopicPrompt:        defaultTopicPrompt,
		ContextInstruction: defaultContextInstruction,
		SearchIntent:       append([]string(nil), defaultSearchIntent...),
	}
}

// LoadPrompts reads a YAML catalogue; empty fields fall back to the defaults.
// An empty path returns the defaults.
func LoadPrompts(path string) (*Prompts, error) {
	p := DefaultPrompts()
	if path == "" {
		return p, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompts file %s: %w", path, err)
	}

	var fromFile Prompts
	if err := yaml.Unmarshal(raw, &fromFile); err != nil {
		return nil, fmt.Errorf("failed to parse prompts file %s: %w", path, err)
	}

	if fromFile.SystemPrompt != "" {
		p.SystemPrompt = fromFile.SystemPrompt
	}
	if fromFile.TopicPrompt != "" {
		p.TopicPrompt = fromFile.TopicPrompt
	}
	if fromFile.ContextInstruction != "" {
		p.ContextInstruction = fromFile.ContextInstruction
	}
	if len(fromFile.SearchIntent) > 0 {
		p.SearchIntent = fromFile.SearchIntent
	}

	if err := p.CheckTopicPrompt(); err != nil {
		return nil, err
	}
	if _, err := p.CompileSearchIntent(); err != nil {
		return nil, err
	}
	return p, nil
}

// CheckTopicPrompt reports whether TopicPrompt is safe to format with the
// topic title: exactly one %s verb and no other verbs besides %%.
// An empty TopicPrompt disables the topic line and is accepted.
func (p *Prompts) CheckTopicPrompt() error {
	if p.TopicPrompt == "" {
		return nil
	}
	rest := strings.ReplaceAll(p.TopicPrompt, "%%", "")
	if strings.Count(rest, "%") != 1 || strings.Count(rest, "%s") != 1 {
		return fmt.Errorf("topic_prompt must contain exactly one %%s and no other format verbs: %q", p.TopicPrompt)
	}
	return nil
}

// CompileSearchIntent compiles the search-intent patterns.
func (p *Prompts) CompileSearchIntent() ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(p.SearchIntent))
	for _, expr := range p.SearchIntent {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid search intent pattern %q: %w", expr, err)
		}
		out = append(out, re)
	}
	return out, nil
}
