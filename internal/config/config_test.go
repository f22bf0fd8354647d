package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTrimSchemeStripsURIPrefix(t *testing.T) {
	require.Equal(t, "127.0.0.1:5444", TrimScheme("tcp://127.0.0.1:5444"))
	require.Equal(t, "127.0.0.1:5444", TrimScheme("127.0.0.1:5444"))
}

func TestClientConfigValidateRejectsBadValues(t *testing.T) {
	cfg := ClientConfig{DefaultTimeout: 0, GCMultiplier: 2.0}
	require.Error(t, cfg.Validate())

	cfg = ClientConfig{DefaultTimeout: time.Second, GCMultiplier: 0}
	require.Error(t, cfg.Validate())

	cfg = ClientConfig{DefaultTimeout: time.Second, GCMultiplier: 2.0}
	require.NoError(t, cfg.Validate())
}

func TestServerConfigValidateRejectsBadValues(t *testing.T) {
	base := ServerConfig{
		Topic:        "TOPIC_DEMO",
		PoolSize:     2,
		QueueSize:    16,
		MatcherMode:  "single",
		CPURejectPct: 90,
	}
	require.NoError(t, base.Validate())

	noTopic := base
	noTopic.Topic = ""
	require.Error(t, noTopic.Validate())

	badPool := base
	badPool.PoolSize = 0
	require.Error(t, badPool.Validate())

	badMode := base
	badMode.MatcherMode = "bogus"
	require.Error(t, badMode.Validate())

	badPct := base
	badPct.CPURejectPct = 150
	require.Error(t, badPct.Validate())
}
