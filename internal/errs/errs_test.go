package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExecFailureErrorIncludesExitCodeAndStderr(t *testing.T) {
	err := &ExecFailure{ExitCode: 2, Stderr: "bad input"}
	require.Contains(t, err.Error(), "exit=2")
	require.Contains(t, err.Error(), "bad input")
}

func TestErrMatcherNoMatchSurvivesWrapping(t *testing.T) {
	wrapped := fmt.Errorf("resolveSkill: %w", ErrMatcherNoMatch)
	require.True(t, errors.Is(wrapped, ErrMatcherNoMatch))
}

func TestErrExecTimeoutSurvivesWrapping(t *testing.T) {
	wrapped := fmt.Errorf("%w after 5s", ErrExecTimeout)
	require.True(t, errors.Is(wrapped, ErrExecTimeout))
	require.Contains(t, wrapped.Error(), "timeout")
}

func TestSkillErrorWrapsMessage(t *testing.T) {
	err := NewSkillError("something broke")
	require.Equal(t, "something broke", err.Error())

	var skillErr *SkillError
	require.True(t, errors.As(error(err), &skillErr))
}
