package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	p := writeConfigFile(t, "config.json", `{
  "telegram": {"token": "123:abc", "admin_user_ids": [7, 42], "poll_timeout": "10s"},
  "logging": {"level": "debug", "console": true},
  "store": {"driver": "file", "path": "./data.json"},
  "raffle": {"enabled": true, "schedule": "0 20 * * 0"}
}`)

	m := NewManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.AdminUserIDs) != 2 || cfg.Telegram.AdminUserIDs[1] != 42 {
		t.Errorf("admins = %v", cfg.Telegram.AdminUserIDs)
	}
	if cfg.Store.Driver != "file" {
		t.Errorf("driver = %q", cfg.Store.Driver)
	}
	if cfg.Raffle == nil || !cfg.Raffle.Enabled {
		t.Errorf("raffle = %+v", cfg.Raffle)
	}
	if got := m.Get(); got != cfg {
		t.Errorf("Get returned %p, want committed %p", got, cfg)
	}
}

func TestParseYAMLCoercion(t *testing.T) {
	t.Parallel()

	p := writeConfigFile(t, "config.yaml", `
telegram:
  token: "123:abc"
  admin_user_ids: [7]
logging:
  level: info
  console: true
store:
  driver: sqlite
  path: ./data.db
  busy_timeout: 5s
`)

	cfg, err := NewManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.BusyTimeout != "5s" {
		t.Errorf("store = %+v", cfg.Store)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	p := writeConfigFile(t, "config.json", `{"telegram": {"token": "t"}, "logging": {}, "store": {}, "bogus": 1}`)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()

	p := writeConfigFile(t, "config.json", `{"telegram": {"token": "t"}, "logging": {}, "store": {}} {"extra": true}`)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestSubscribePublishDropOldest(t *testing.T) {
	t.Parallel()

	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	a := &Config{}
	b := &Config{Store: StoreConfig{Driver: "file"}}
	m.publish(a)
	m.publish(b) // buffer full: oldest dropped, newest kept

	select {
	case got := <-ch:
		if got != b {
			t.Errorf("got %+v, want newest config", got)
		}
	default:
		t.Fatal("expected a buffered config")
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()

	if _, err := ParseDurationField("store.busy_timeout", "nope"); err == nil {
		t.Error("expected error for invalid duration")
	}
	d, err := ParseDurationOrDefault("telegram.poll_timeout", "", 10*time.Second)
	if err != nil || d != 10*time.Second {
		t.Errorf("default: d=%v err=%v", d, err)
	}
	d, err = ParseDurationOrDefault("telegram.poll_timeout", "250ms", 10*time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Errorf("parsed: d=%v err=%v", d, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Telegram: TelegramConfig{Token: "t", AdminUserIDs: []int64{1}},
		Logging:  LoggingConfig{Level: "info", Console: true},
		Store:    StoreConfig{Driver: "file", Path: "./data.json"},
	}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "t", AdminUserIDs: []int64{1, 2}},
		Logging:  LoggingConfig{Level: "debug", Console: true},
		Store:    StoreConfig{Driver: "file", Path: "./data.json"},
		Raffle:   &RaffleConfig{Enabled: true},
	}

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	want := map[string]bool{"telegram": true, "logging": true, "raffle": true}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v", changed)
	}
	for _, s := range changed {
		if !want[s] {
			t.Errorf("unexpected section %q", s)
		}
	}
}
