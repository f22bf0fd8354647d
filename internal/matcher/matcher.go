// Package matcher implements skill selection as a plug point: a
// function selecting one skill name for a free-text task, rather than
// an inheritance hierarchy, so new selection strategies can be added
// without touching the server.
package matcher

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"
)

// CandidateSkill is the name/description pair a matcher chooses among.
type CandidateSkill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// NoMatch is the sentinel matchers return when they considered the
// input and deliberately chose nothing — distinct from returning an
// error, which signals the matcher itself malfunctioned.
const NoMatch = "none"

// MatchFn selects one skill name (or NoMatch) for task among skills. An
// implementation may perform I/O but must respect a 30s upper bound. The
// skill server calls matchers with a context that has no deadline, so
// the bound is the implementation's own (ExternalCallout applies 30s).
type MatchFn func(ctx context.Context, task string, skills []CandidateSkill) (string, error)

// SingleSkill returns the only candidate's name. It is meant to be
// called only when exactly one
// skill is known; with more than one it still returns the first,
// degrading rather than failing, consistent with the "returns the first
// skill's name" error contract.
func SingleSkill(_ context.Context, _ string, skills []CandidateSkill) (string, error) {
	if len(skills) == 0 {
		return NoMatch, nil
	}
	return skills[0].Name, nil
}

// ExactName matches task against each skill's name case-insensitively:
// first an exact name match, then a task that contains a skill's name.
// A skill name that merely contains the task does not match.
// Intended for tests and for servers whose clients already know the
// skill name as free text.
func ExactName(_ context.Context, task string, skills []CandidateSkill) (string, error) {
	if len(skills) == 0 {
		return NoMatch, nil
	}
	needle := strings.ToLower(strings.TrimSpace(task))
	for _, s := range skills {
		if strings.EqualFold(strings.TrimSpace(s.Name), needle) {
			return s.Name, nil
		}
	}
	for _, s := range skills {
		if strings.Contains(needle, strings.ToLower(s.Name)) {
			return s.Name, nil
		}
	}
	return NoMatch, nil
}

// externalRequest is the JSON object written to an external matcher's
// standard input.
type externalRequest struct {
	Task   string           `json:"task"`
	Skills []CandidateSkill `json:"skills"`
}

// ExternalCallout builds a MatchFn that runs executablePath as a
// subprocess, writes {"task","skills"} JSON on stdin, and reads the
// chosen skill name (or the literal "none") from stdout. On any
// internal error (marshal failure, spawn failure, non-zero exit) it
// degrades to the first candidate skill's name rather than failing the
// request outright.
func ExternalCallout(executablePath string) MatchFn {
	return func(ctx context.Context, task string, skills []CandidateSkill) (string, error) {
		if len(skills) == 0 {
			return NoMatch, nil
		}

		req := externalRequest{Task: task, Skills: skills}
		body, err := json.Marshal(req)
		if err != nil {
			return skills[0].Name, nil
		}

		runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		cmd := exec.CommandContext(runCtx, executablePath)
		cmd.Stdin = bytes.NewReader(body)
		var out bytes.Buffer
		cmd.Stdout = &out

		if err := cmd.Run(); err != nil {
			return skills[0].Name, nil
		}

		name := strings.TrimSpace(out.String())
		name = strings.Trim(name, `"'`)
		if strings.EqualFold(name, NoMatch) {
			return NoMatch, nil
		}

		for _, s := range skills {
			if strings.EqualFold(s.Name, name) {
				return s.Name, nil
			}
		}
		return skills[0].Name, nil
	}
}
