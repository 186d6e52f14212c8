package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
)

func TestParseLevelAliases(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":       zerolog.TraceLevel,
		"diagnostics": zerolog.TraceLevel,
		" DEBUG ":     zerolog.DebugLevel,
		"warning":     zerolog.WarnLevel,
		"off":         zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := ParseLevel(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := ParseLevel("loud")
	assert.False(t, ok)
}

func TestEnvOverridesApplyOnTopOfProfile(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "true")
	t.Setenv(EnvLogBypass, "1")
	cfg := DefaultConfig(ProfileTest)
	assert.Equal(t, zerolog.ErrorLevel, cfg.Level)
	assert.True(t, cfg.Timestamp)
	assert.True(t, cfg.Bypass)
}

func TestWithEnvKeepsUnsetFields(t *testing.T) {
	t.Setenv(EnvLogNoColor, "true")
	t.Setenv(EnvLogLevel, "bogus")
	in := Config{Level: zerolog.DebugLevel, Timestamp: true}
	out := WithEnv(in)
	assert.Equal(t, zerolog.DebugLevel, out.Level, "unparseable level is ignored")
	assert.True(t, out.Timestamp)
	assert.True(t, out.NoColor)
	assert.False(t, in.NoColor, "input is not modified")
}

func TestApplyBypassWritesJSON(t *testing.T) {
	prevLogger := log.Logger
	prevLevel := zerolog.GlobalLevel()
	defer func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	}()

	var buf bytes.Buffer
	Apply(Config{Level: zerolog.InfoLevel, Bypass: true, Out: &buf})
	lg := Component("logging.test")
	lg.Info().Str("conn", "127.0.0.1:1").Msg("hello")
	line := buf.String()
	assert.Contains(t, line, `"component":"logging.test"`)
	assert.Contains(t, line, `"message":"hello"`)
}
