package intake

import (
	"errors"
	"strings"
)

// DefaultGreeting opens every conversation started with the default script.
const DefaultGreeting = "Hello! I'm your AI health assistant. I'll help you analyze your symptoms and provide a preliminary assessment. Please note that this is not a substitute for professional medical advice."

var defaultPrompts = []string{
	"What is your primary symptom or concern?",
	"How long have you been experiencing this symptom?",
	"On a scale of 1-10, how would you rate the severity?",
	"Do you have any additional symptoms?",
	"Have you taken any medication or treatment for this?",
}

var ErrEmptyScript = errors.New("intake: script needs at least one prompt")

// Script is the fixed ordered list of interview prompts. It is immutable;
// swapping scripts means building a new one.
type Script struct {
	greeting string
	prompts  []string
}

// NewScript builds a script. greeting may be empty.
func NewScript(greeting string, prompts ...string) (*Script, error) {
	if len(prompts) == 0 {
		return nil, ErrEmptyScript
	}
	cleaned := make([]string, 0, len(prompts))
	for _, p := range prompts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, errors.New("intake: script prompt cannot be blank")
		}
		cleaned = append(cleaned, p)
	}
	return &Script{greeting: strings.TrimSpace(greeting), prompts: cleaned}, nil
}

// DefaultScript returns the five step base interview.
func DefaultScript() *Script {
	return &Script{greeting: DefaultGreeting, prompts: append([]string(nil), defaultPrompts...)}
}

// Greeting returns the opening line, or "" if the script has none.
func (s *Script) Greeting() string {
	return s.greeting
}

// Prompt returns the prompt for step, or "" when step is out of range.
func (s *Script) Prompt(step int) string {
	if step < 0 || step >= len(s.prompts) {
		return ""
	}
	return s.prompts[step]
}

// IsLast reports whether step is the final prompt.
func (s *Script) IsLast(step int) bool {
	return step == len(s.prompts)-1
}

// Len returns the number of prompts.
func (s *Script) Len() int {
	return len(s.prompts)
}

// Prompts returns a copy of the prompt list.
func (s *Script) Prompts() []string {
	return append([]string(nil), s.prompts...)
}
