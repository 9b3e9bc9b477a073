// Package guard holds the per-deployment policy applied to websocket
// origins, user input, tool use and a turn's model budget.
package guard

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
)

// Rule names reported in a Violation.
const (
	RuleMaxIterations   = "max_iterations"
	RuleMaxPromptTokens = "max_prompt_tokens"
	RuleMaxOutputTokens = "max_output_tokens"
	RuleAllowedOrigins  = "allowed_origins"
	RuleAllowedTools    = "allowed_tools"
	RuleInput           = "input"
	RuleMaxInputBytes   = "max_input_bytes"
)

// Policy configures a Guard. Zero limits are unlimited; empty allow lists
// allow nothing. Patterns are doublestar globs.
type Policy struct {
	MaxIterations   int      `json:"max_iterations"`
	MaxPromptTokens int      `json:"max_prompt_tokens"`
	MaxOutputTokens int      `json:"max_output_tokens"`
	AllowedOrigins  []string `json:"allowed_origins"`
	AllowedTools    []string `json:"allowed_tools"`
	MaxInputBytes   int      `json:"max_input_bytes"`
}

var DefaultPolicy = Policy{
	MaxIterations:   4,
	MaxPromptTokens: 8000,
	MaxOutputTokens: 4000,
	AllowedOrigins:  []string{"*"},
	AllowedTools:    []string{"*"},
	MaxInputBytes:   16 * 1024,
}

// Validate reports negative limits and malformed patterns.
func (p Policy) Validate() error {
	var errs []error
	for name, v := range map[string]int{
		RuleMaxIterations:   p.MaxIterations,
		RuleMaxPromptTokens: p.MaxPromptTokens,
		RuleMaxOutputTokens: p.MaxOutputTokens,
		RuleMaxInputBytes:   p.MaxInputBytes,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	for _, pat := range append(append([]string(nil), p.AllowedOrigins...), p.AllowedTools...) {
		if !doublestar.ValidatePattern(pat) {
			errs = append(errs, fmt.Errorf("bad pattern %q", pat))
		}
	}
	return errors.Join(errs...)
}

// Violation is a breach of policy. Fatal ones end the turn or refuse the
// connection; the rest only reject the single request.
type Violation struct {
	Rule    string
	Message string
	Fatal   bool
}

func (v *Violation) Error() string {
	return v.Rule + ": " + v.Message
}

func fatal(rule, msg string) *Violation {
	return &Violation{Rule: rule, Message: msg, Fatal: true}
}

func reject(rule, format string, args ...any) *Violation {
	return &Violation{Rule: rule, Message: fmt.Sprintf(format, args...)}
}

type Guard struct {
	policy Policy
}

func New(p Policy) *Guard {
	return &Guard{policy: p}
}

func (g *Guard) Policy() Policy {
	return g.policy
}

// CheckBudget checks a turn's iteration count and accumulated token usage.
func (g *Guard) CheckBudget(iterations, promptTokens, outputTokens int) *Violation {
	p := g.policy
	switch {
	case over(iterations, p.MaxIterations):
		return fatal(RuleMaxIterations, "Iteration limit exceeded")
	case over(promptTokens, p.MaxPromptTokens):
		return fatal(RuleMaxPromptTokens, "Prompt token budget exceeded")
	case over(outputTokens, p.MaxOutputTokens):
		return fatal(RuleMaxOutputTokens, "Output token budget exceeded")
	}
	return nil
}

func over(n, limit int) bool {
	return limit > 0 && n > limit
}

// CheckOrigin matches the host of a websocket Origin header against the
// allowed origin globs. Requests without an Origin come from non-browser
// clients and pass.
func (g *Guard) CheckOrigin(origin string) *Violation {
	if origin == "" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return fatal(RuleAllowedOrigins, "Malformed origin: "+origin)
	}
	if !matchAny(g.policy.AllowedOrigins, strings.ToLower(u.Host)) {
		return fatal(RuleAllowedOrigins, "Origin not allowed: "+origin)
	}
	return nil
}

func (g *Guard) CheckTool(name string) *Violation {
	if !matchAny(g.policy.AllowedTools, name) {
		return reject(RuleAllowedTools, "Tool not allowed: %s", name)
	}
	return nil
}

// CheckInput accepts non-blank UTF-8 text within the size cap.
func (g *Guard) CheckInput(content string) *Violation {
	switch {
	case strings.TrimSpace(content) == "":
		return reject(RuleInput, "Message content is empty")
	case !utf8.ValidString(content):
		return reject(RuleInput, "Message content is not valid UTF-8")
	case over(len(content), g.policy.MaxInputBytes):
		return reject(RuleMaxInputBytes, "Message is %d bytes, limit is %d", len(content), g.policy.MaxInputBytes)
	}
	return nil
}

func matchAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, s); err == nil && ok {
			return true
		}
	}
	return false
}
