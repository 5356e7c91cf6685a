package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvStr(t *testing.T) {
	t.Setenv("AVESA_TEST_STR", "value")

	assert.Equal(t, "value", GetEnvStr("AVESA_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", GetEnvStr("AVESA_TEST_STR_UNSET", "fallback"))
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("AVESA_TEST_INT", "42")
	t.Setenv("AVESA_TEST_INT_BAD", "not-a-number")

	assert.Equal(t, 42, GetEnvInt("AVESA_TEST_INT", 7))
	assert.Equal(t, 7, GetEnvInt("AVESA_TEST_INT_BAD", 7))
	assert.Equal(t, 7, GetEnvInt("AVESA_TEST_INT_UNSET", 7))
}

func TestGetEnvFloat(t *testing.T) {
	t.Setenv("AVESA_TEST_FLOAT", "2.5")
	t.Setenv("AVESA_TEST_FLOAT_BAD", "two point five")

	assert.InDelta(t, 2.5, GetEnvFloat("AVESA_TEST_FLOAT", 1.0), 0.0001)
	assert.InDelta(t, 1.0, GetEnvFloat("AVESA_TEST_FLOAT_BAD", 1.0), 0.0001)
}

func TestGetEnvBool(t *testing.T) {
	tests := map[string]bool{
		"true": true, "1": true, "YES": true,
		"false": false, "0": false, "No": false,
	}

	for value, want := range tests {
		t.Setenv("AVESA_TEST_BOOL", value)
		assert.Equal(t, want, GetEnvBool("AVESA_TEST_BOOL", !want), "value %q", value)
	}

	t.Setenv("AVESA_TEST_BOOL", "maybe")
	assert.True(t, GetEnvBool("AVESA_TEST_BOOL", true))
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("AVESA_TEST_DURATION", "90s")
	t.Setenv("AVESA_TEST_DURATION_BAD", "soon")

	assert.Equal(t, 90*time.Second, GetEnvDuration("AVESA_TEST_DURATION", time.Minute))
	assert.Equal(t, time.Minute, GetEnvDuration("AVESA_TEST_DURATION_BAD", time.Minute))
}

func TestGetEnvLogLevel(t *testing.T) {
	t.Setenv("AVESA_TEST_LOG_LEVEL", "warn")
	assert.Equal(t, slog.LevelWarn, GetEnvLogLevel("AVESA_TEST_LOG_LEVEL", slog.LevelInfo))

	t.Setenv("AVESA_TEST_LOG_LEVEL", "verbose")
	assert.Equal(t, slog.LevelInfo, GetEnvLogLevel("AVESA_TEST_LOG_LEVEL", slog.LevelInfo))
}

func TestParseCommaSeparatedList(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, ParseCommaSeparatedList("a, b ,c"))
	assert.Equal(t, []string{"a"}, ParseCommaSeparatedList("a,,  ,"))
	assert.Empty(t, ParseCommaSeparatedList(""))
}
