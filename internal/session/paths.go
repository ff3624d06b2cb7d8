// Package session lays out the per-session state directory.
//
//	$CHATSYNC_HOME (default ~/.chatsync)
//	├── config.toml
//	└── sessions/<name>/
//	    ├── LOCK          held by the running daemon
//	    ├── daemon.sock   gRPC API
//	    ├── cache.db      local store
//	    ├── .env          optional CHATSYNC_* overrides
//	    └── logs/chatsyncd.log
package session

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the base directory.
const HomeEnv = "CHATSYNC_HOME"

// BaseDir returns $CHATSYNC_HOME, or ~/.chatsync.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

func sessionsDir() string {
	return filepath.Join(BaseDir(), "sessions")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(sessionsDir(), name)
}

func SocketPath(name string) string { return filepath.Join(Dir(name), "daemon.sock") }
func CachePath(name string) string { return filepath.Join(Dir(name), "cache.db") }
func EnvPath(name string) string { return filepath.Join(Dir(name), ".env") }
func LogDir(name string) string { return filepath.Join(Dir(name), "logs") }
func LogPath(name string) string { return filepath.Join(LogDir(name), "chatsyncd.log") }

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with owner-only permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
