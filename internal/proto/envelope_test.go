package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	r := RequestEnvelope{RequestID: "abc", ReplyTo: "AGENT_REPLY_1", Intent: "hello", Timestamp: 1.0}
	data, err := MarshalRequest(r)
	require.NoError(t, err)

	got, err := UnmarshalRequest(data)
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestRequestValidate(t *testing.T) {
	require.NoError(t, RequestEnvelope{RequestID: "a", ReplyTo: "b"}.Validate())
	require.Error(t, RequestEnvelope{ReplyTo: "b"}.Validate())
	require.Error(t, RequestEnvelope{RequestID: "a"}.Validate())
}

func TestParseIntentExplicitSkill(t *testing.T) {
	body, ok := ParseIntent(`{"skill":"alpha","data":"hi"}`)
	require.True(t, ok)
	require.Equal(t, "alpha", body.Skill)
	require.Equal(t, "hi", body.ExecInput(`{"skill":"alpha","data":"hi"}`))
}

func TestParseIntentTaskMode(t *testing.T) {
	body, ok := ParseIntent(`{"task":"summarize this"}`)
	require.True(t, ok)
	require.Empty(t, body.Skill)
	require.Equal(t, "summarize this", body.ExecInput("ignored"))
}

func TestParseIntentFreeText(t *testing.T) {
	_, ok := ParseIntent("plain text intent")
	require.False(t, ok)

	var empty IntentBody
	require.Equal(t, "plain text intent", empty.ExecInput("plain text intent"))
}

func TestResponseIsSuccess(t *testing.T) {
	require.True(t, ResponseEnvelope{Status: StatusSuccess}.IsSuccess())
	require.False(t, ResponseEnvelope{Status: "weird"}.IsSuccess())
}
