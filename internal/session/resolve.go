package session

import (
	"os"

	"github.com/matheus3301/chatsync/internal/config"
)

const DefaultSessionName = "main"

// Resolve picks the session a command talks to and validates it. The first
// non-empty source wins: the --session flag, CHATSYNC_SESSION, default_session
// in config.toml, then "main".
func Resolve(flagOverride string) (string, error) {
	name := pick(flagOverride, os.Getenv(config.EnvPrefix+"SESSION"), configured())
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

func configured() string {
	cfg, err := config.Load(ConfigPath())
	if err != nil {
		return ""
	}
	return cfg.DefaultSession
}

func pick(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return DefaultSessionName
}
