package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Worker.Slots)
	assert.Equal(t, 100*time.Millisecond, cfg.Client.PollInterval)
	assert.Equal(t, 20*time.Millisecond, cfg.Worker.ClaimInterval)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forgejudge.yaml")
	yamlDoc := `
redis:
  namespace: judge
worker:
  slots: 3
  pop_timeout: 2s
toolchain:
  mode: docker
  versions: ["0.8.24"]
server:
  allowed_origins: ["https://judge.example"]
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))
	t.Setenv("THREAD_NUM", "8")
	t.Setenv("TIMEOUT", "12")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "judge", cfg.Redis.Namespace)
	assert.Equal(t, 8, cfg.Worker.Slots, "env wins over file")
	assert.Equal(t, 2*time.Second, cfg.Worker.PopTimeout)
	assert.Equal(t, "docker", cfg.Toolchain.Mode)
	assert.Equal(t, []string{"0.8.24"}, cfg.Toolchain.Versions)
	assert.Equal(t, []string{"https://judge.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 12*time.Second, cfg.Client.Timeout)
}

func TestApplyEnv_ReportsBadValues(t *testing.T) {
	env := map[string]string{"THREAD_NUM": "many", "TIMEOUT": "soon"}
	err := Default().ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "THREAD_NUM")
	assert.Contains(t, err.Error(), "TIMEOUT")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Worker.Slots = 0
	cfg.Toolchain.Mode = "vm"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker.slots")
	assert.Contains(t, err.Error(), "toolchain.mode")
}

func TestParseSeconds(t *testing.T) {
	d, err := ParseSeconds("5")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	d, err = ParseSeconds("1.5")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = ParseSeconds("250ms")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	for _, bad := range []string{"NaN", "Inf", "-Inf", "+Inf", "-1", "-5s", "1e300"} {
		_, err := ParseSeconds(bad)
		assert.Error(t, err, bad)
	}
}

func TestApplyEnv_ServerLists(t *testing.T) {
	env := map[string]string{
		"ALLOWED_ORIGINS": "https://judge.example, http://localhost:5173",
		"TRUSTED_PROXIES": "10.0.0.0/8",
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	assert.Equal(t, []string{"https://judge.example", "http://localhost:5173"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Server.TrustedProxies)
}

func TestToolchainPath(t *testing.T) {
	tc := ToolchainConfig{ProjectRoot: "/srv/judge"}
	assert.Equal(t, "/srv/judge/cache", tc.Path("cache"))
	assert.Equal(t, "/var/out", tc.Path("/var/out"))
}
