package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetConfigValue(t *testing.T) {
	t.Run("known keys", func(t *testing.T) {
		cfg := &Config{}
		require.NoError(t, setConfigValue(cfg, "default.base_url", "https://api.example.com"))
		require.NoError(t, setConfigValue(cfg, "default.token", "tok"))
		require.NoError(t, setConfigValue(cfg, "channel.heartbeat", "5s"))
		require.NoError(t, setConfigValue(cfg, "serve.addr", ":9000"))

		assert.Equal(t, "https://api.example.com", cfg.Default.BaseURL)
		assert.Equal(t, "tok", cfg.Default.Token)
		assert.Equal(t, "5s", cfg.Channel.Heartbeat)
		assert.Equal(t, ":9000", cfg.Serve.Addr)
	})

	cases := map[string][2]string{
		"no dot":          {"base_url", "x"},
		"unknown section": {"auth.token", "x"},
		"unknown field":   {"default.api_key", "x"},
		"bad duration":    {"channel.stale_after", "soon"},
		"bad url":         {"default.base_url", "not a url"},
	}
	for name, kv := range cases {
		kv := kv
		t.Run(name, func(t *testing.T) {
			assert.Error(t, setConfigValue(&Config{}, kv[0], kv[1]))
		})
	}
}

func TestConfigRoundTrip(t *testing.T) {
	cfg := &Config{
		Default: ConfigDefault{BaseURL: "https://api.example.com", Token: "tok"},
		Channel: ConfigChannel{ReconnectFloor: "10s", ReconnectCeiling: "1m"},
		Serve:   ConfigServe{Addr: ":8000", JWTSecret: "s"},
	}

	for _, name := range []string{"config.toml", "config.yaml", "config.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, writeConfig(path, cfg))

			got, err := readConfig(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, got)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		got, err := readConfig(filepath.Join(t.TempDir(), "absent.toml"))
		require.NoError(t, err)
		assert.Equal(t, &Config{}, got)
	})

	t.Run("garbage", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.toml")
		require.NoError(t, os.WriteFile(path, []byte("[default\nbase_url="), 0o600))
		_, err := readConfig(path)
		assert.Error(t, err)
	})
}

func TestApplyEnv(t *testing.T) {
	cfg := &Config{Default: ConfigDefault{BaseURL: "https://file", Token: "file-token"}}
	env := map[string]string{envBaseURL: "https://env", envToken: ""}

	applyEnv(cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, "https://env", cfg.Default.BaseURL)
	assert.Equal(t, "file-token", cfg.Default.Token)
}

func TestLoadEnvFile(t *testing.T) {
	assert.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "absent.env")))
	assert.NoError(t, loadEnvFile(""))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TEACHNLEARN_TEST_ONLY=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("TEACHNLEARN_TEST_ONLY") })

	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "from-file", os.Getenv("TEACHNLEARN_TEST_ONLY"))
}

func TestChannelOptions(t *testing.T) {
	opts, err := channelOptions(ConfigChannel{ReconnectFloor: "1s", Heartbeat: "2s"})
	require.NoError(t, err)
	assert.Len(t, opts, 2)

	_, err = channelOptions(ConfigChannel{StaleAfter: "later"})
	assert.Error(t, err)
}

func TestTokenStatus(t *testing.T) {
	now := time.Now()
	sign := func(exp time.Time) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
		require.NoError(t, err)
		return tok
	}

	assert.Equal(t, "none", tokenStatus("", now))
	assert.Equal(t, "present (no expiry)", tokenStatus("opaque", now))
	assert.Contains(t, tokenStatus(sign(now.Add(time.Hour)), now), "valid")
	assert.Contains(t, tokenStatus(sign(now.Add(-time.Hour)), now), "EXPIRED")
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "abcdefgh...wxyz", maskKey("abcdefghijklmnopqrstuvwxyz"))
}
