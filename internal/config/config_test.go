package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.UserID = "u1"
	cfg.Presence.Grace = Duration{10 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" || loaded.UserID != "u1" {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Presence.Grace.Duration != 10*time.Second {
		t.Errorf("grace = %v, want 10s", loaded.Presence.Grace)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := "user_id = \"u9\"\n[feed]\ndriver = \"redis\"\nredis_url = \"redis://localhost:6379/0\"\n[presence]\ngrace = \"45s\"\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Feed.Driver != DriverRedis || cfg.Presence.Grace.Duration != 45*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Sync.Window != 100 || cfg.Presence.Heartbeat.Duration != time.Minute {
		t.Errorf("defaults lost: window=%d heartbeat=%v", cfg.Sync.Window, cfg.Presence.Heartbeat)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil || cfg.Feed.Driver != DriverMemory {
		t.Errorf("LoadOrDefault() = %+v, %v", cfg, err)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestApplyEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	data := "CHATSYNC_USER_ID=from-file\nCHATSYNC_WINDOW=50\nCHATSYNC_GRACE=5s\n"
	if err := os.WriteFile(envFile, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHATSYNC_USER_ID", "from-env")
	t.Setenv("CHATSYNC_WINDOW", "")
	os.Unsetenv("CHATSYNC_WINDOW")
	t.Setenv("CHATSYNC_GRACE", "")
	os.Unsetenv("CHATSYNC_GRACE")

	cfg := Default()
	if err := ApplyEnv(cfg, envFile, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatal(err)
	}
	if cfg.UserID != "from-env" {
		t.Errorf("UserID = %q, process env should win over .env", cfg.UserID)
	}
	if cfg.Sync.Window != 50 || cfg.Presence.Grace.Duration != 5*time.Second {
		t.Errorf("window = %d grace = %v", cfg.Sync.Window, cfg.Presence.Grace)
	}
}

func TestOverrideRejectsBadValues(t *testing.T) {
	lookup := func(env map[string]string) func(string) (string, bool) {
		return func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	}
	if err := Override(Default(), lookup(map[string]string{"CHATSYNC_WINDOW": "many"})); err == nil {
		t.Error("non-numeric window should fail")
	}
	if err := Override(Default(), lookup(map[string]string{"CHATSYNC_HEARTBEAT": "soon"})); err == nil {
		t.Error("bad duration should fail")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg.Feed.Driver = DriverRedis
	if err := cfg.Validate(); err == nil {
		t.Error("redis driver without url should fail")
	}
	cfg = Default()
	cfg.Feed.Driver = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown driver should fail")
	}
	cfg = Default()
	cfg.Presence.Grace = Duration{}
	if err := cfg.Validate(); err == nil {
		t.Error("zero grace should fail")
	}
}
