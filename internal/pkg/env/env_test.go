package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvPrefersLoadedMap(t *testing.T) {
	t.Setenv("TUNNELFOX_TEST_KEY", "from-os")
	Env = map[string]string{"TUNNELFOX_TEST_KEY": "from-file"}
	defer func() { Env = nil }()

	assert.Equal(t, "from-file", GetEnv("TUNNELFOX_TEST_KEY", "def"))

	Env = nil
	assert.Equal(t, "from-os", GetEnv("TUNNELFOX_TEST_KEY", "def"))
	assert.Equal(t, "def", GetEnv("TUNNELFOX_MISSING_KEY", "def"))
}

func TestGetEnvIntAndSeconds(t *testing.T) {
	Env = map[string]string{
		"WORKERS":     "7",
		"BROKEN":      "seven",
		"TIMEOUT_SEC": "12",
		"ZERO_SEC":    "0",
	}
	defer func() { Env = nil }()

	assert.Equal(t, 7, GetEnvInt("WORKERS", 3))
	assert.Equal(t, 3, GetEnvInt("BROKEN", 3))
	assert.Equal(t, 3, GetEnvInt("UNSET", 3))

	assert.Equal(t, 12*time.Second, GetEnvSeconds("TIMEOUT_SEC", 10*time.Second))
	assert.Equal(t, 10*time.Second, GetEnvSeconds("ZERO_SEC", 10*time.Second))
}
