package frame

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		topic   string
		payload string
	}{
		{"simple", "TOPIC_DEMO", `{"request_id":"abc"}`},
		{"empty payload", "TOPIC_DEMO", ""},
		{"binary-ish payload", "AGENT_REPLY_deadbeef", "\x00\x01\x02\xff"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, []byte(tc.topic), []byte(tc.payload)))

			got, err := Decode(&buf)
			require.NoError(t, err)
			require.Equal(t, tc.topic, string(got.Topic))
			require.Equal(t, tc.payload, string(got.Payload))
		})
	}
}

func TestDecodeEmptyTopicRejectedOnEncode(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, nil, []byte("x"))
	require.Error(t, err)
}

func TestDecodeTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, []byte("T"), []byte("payload")))
	truncated := buf.Bytes()[:buf.Len()-3]

	_, err := Decode(bytes.NewReader(truncated))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeCleanEOFBetweenFrames(t *testing.T) {
	_, err := Decode(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)
}

func TestWriterBatchesMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteFrame([]byte("T1"), []byte("a")))
	require.NoError(t, w.WriteFrame([]byte("T2"), []byte("b")))
	require.NoError(t, w.Flush())

	r := bytes.NewReader(buf.Bytes())
	f1, err := Decode(r)
	require.NoError(t, err)
	require.Equal(t, "T1", string(f1.Topic))

	f2, err := Decode(r)
	require.NoError(t, err)
	require.Equal(t, "T2", string(f2.Topic))
}
