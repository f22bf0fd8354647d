package matcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSingleSkillReturnsOnlyName(t *testing.T) {
	name, err := SingleSkill(context.Background(), "anything", []CandidateSkill{{Name: "alpha"}})
	require.NoError(t, err)
	require.Equal(t, "alpha", name)
}

func TestSingleSkillEmptyReturnsNoMatch(t *testing.T) {
	name, err := SingleSkill(context.Background(), "anything", nil)
	require.NoError(t, err)
	require.Equal(t, NoMatch, name)
}

func TestExactNameMatchesCaseInsensitively(t *testing.T) {
	skills := []CandidateSkill{{Name: "csv-analyzer"}, {Name: "text-summarizer"}}
	name, err := ExactName(context.Background(), "CSV-Analyzer", skills)
	require.NoError(t, err)
	require.Equal(t, "csv-analyzer", name)
}

func TestExactNameSubstringMatch(t *testing.T) {
	skills := []CandidateSkill{{Name: "csv-analyzer"}, {Name: "text-summarizer"}}
	name, err := ExactName(context.Background(), "please run csv-analyzer on this", skills)
	require.NoError(t, err)
	require.Equal(t, "csv-analyzer", name)
}

func TestExactNameNoMatch(t *testing.T) {
	skills := []CandidateSkill{{Name: "csv-analyzer"}}
	name, err := ExactName(context.Background(), "unrelated task", skills)
	require.NoError(t, err)
	require.Equal(t, NoMatch, name)
}

func TestExternalCalloutReturnsChosenName(t *testing.T) {
	script := filepath.Join(t.TempDir(), "match.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat >/dev/null\necho text-summarizer\n"), 0o755))

	m := ExternalCallout(script)
	skills := []CandidateSkill{{Name: "csv-analyzer"}, {Name: "text-summarizer"}}
	name, err := m(context.Background(), "summarize this", skills)
	require.NoError(t, err)
	require.Equal(t, "text-summarizer", name)
}

func TestExternalCalloutNoneIsNotAnError(t *testing.T) {
	script := filepath.Join(t.TempDir(), "match.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat >/dev/null\necho none\n"), 0o755))

	m := ExternalCallout(script)
	skills := []CandidateSkill{{Name: "csv-analyzer"}}
	name, err := m(context.Background(), "unrelated", skills)
	require.NoError(t, err)
	require.Equal(t, NoMatch, name)
}

func TestExternalCalloutDegradesToFirstSkillOnFailure(t *testing.T) {
	m := ExternalCallout(filepath.Join(t.TempDir(), "does-not-exist"))
	skills := []CandidateSkill{{Name: "alpha"}, {Name: "beta"}}
	name, err := m(context.Background(), "anything", skills)
	require.NoError(t, err)
	require.Equal(t, "alpha", name)
}
