package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	// Point at a file that does not exist and clear the endpoint overrides so
	// the built-in defaults apply.
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.json"))
	t.Setenv("EXCHANGE_REST_BASE_URL", "")
	t.Setenv("EXCHANGE_WS_BASE_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// The REST client appends /klines, so the base must carry the /fapi/v1
	// prefix or every backfill request 404s.
	if got := cfg.ExchangeConfig.RESTBaseURL; got != "https://fapi.binance.com/fapi/v1" {
		t.Errorf("default REST base URL = %q", got)
	}
	if got := cfg.ExchangeConfig.WSBaseURL; got != "wss://fstream.binance.com" {
		t.Errorf("default WS base URL = %q", got)
	}
	if cfg.ExchangeConfig.ReconnectSeconds <= 0 {
		t.Errorf("reconnect seconds not defaulted: %d", cfg.ExchangeConfig.ReconnectSeconds)
	}
	if cfg.ServerConfig.Port != 8080 {
		t.Errorf("default port = %d", cfg.ServerConfig.Port)
	}
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"exchange":{"rest_base_url":"https://example.test/fapi/v1"},"server":{"port":9999}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("EXCHANGE_REST_BASE_URL", "")
	t.Setenv("WEB_PORT", "7777")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.ExchangeConfig.RESTBaseURL; got != "https://example.test/fapi/v1" {
		t.Errorf("file value lost: %q", got)
	}
	if cfg.ServerConfig.Port != 7777 {
		t.Errorf("env override lost: %d", cfg.ServerConfig.Port)
	}
}
