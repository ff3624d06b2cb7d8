package session

import (
	"errors"
	"os"
	"testing"
)

func TestResolvePrecedence(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	if err := os.WriteFile(ConfigPath(), []byte("default_session = \"from-config\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CHATSYNC_SESSION", "")
	if got, err := Resolve(""); err != nil || got != "from-config" {
		t.Errorf("Resolve() = %q, %v; want from-config", got, err)
	}

	t.Setenv("CHATSYNC_SESSION", "from-env")
	if got, _ := Resolve(""); got != "from-env" {
		t.Errorf("Resolve() = %q, want env to beat config", got)
	}
	if got, _ := Resolve("flag"); got != "flag" {
		t.Errorf("Resolve(flag) = %q, want flag to win", got)
	}
}

func TestResolveDefaultsAndValidates(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	t.Setenv("CHATSYNC_SESSION", "")
	if got, err := Resolve(""); err != nil || got != DefaultSessionName {
		t.Errorf("Resolve() = %q, %v; want %q", got, err, DefaultSessionName)
	}
	if _, err := Resolve("Bad Name"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("err = %v, want ErrInvalidName", err)
	}
}
