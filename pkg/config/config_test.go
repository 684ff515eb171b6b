package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"BACKEND_URL", "API_KEY", "FUNCTION_TIMEOUT", "POSTGRES_PORT", "FUNCTIONS_DIR"} {
		val, ok := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if ok {
				os.Setenv(k, val)
			}
		})
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("BACKEND_URL", "http://backend.local")
	os.Setenv("API_KEY", "secret")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.FunctionTimeout)
	assert.Equal(t, "./functions", cfg.WorkDir)
	assert.Equal(t, 5432, cfg.PostgresPort)
}

func TestLoadFromEnv_RequiresBackendURLAndAPIKey(t *testing.T) {
	clearEnv(t)
	_, err := LoadFromEnv()
	assert.Error(t, err)

	os.Setenv("BACKEND_URL", "http://backend.local")
	_, err = LoadFromEnv()
	assert.Error(t, err, "API_KEY still missing")
}

func TestLoadFromEnv_InvalidTimeout(t *testing.T) {
	clearEnv(t)
	os.Setenv("BACKEND_URL", "http://backend.local")
	os.Setenv("API_KEY", "secret")
	os.Setenv("FUNCTION_TIMEOUT", "not-a-number")
	_, err := LoadFromEnv()
	assert.Error(t, err)
}
