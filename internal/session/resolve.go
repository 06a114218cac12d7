package session

import (
	"fmt"
	"regexp"

	"github.com/matheus3301/chatsync/internal/config"
)

const DefaultProfileName = "main"

var profileName = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Resolve determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. config.toml default_profile
// 3. "main"
//
// The chosen name must be usable as a directory under profiles/; the error
// names where an unusable one came from.
func Resolve(flagOverride string) (string, error) {
	name, source := DefaultProfileName, "default"
	if flagOverride != "" {
		name, source = flagOverride, "--profile"
	} else if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultProfile != "" {
		name, source = cfg.DefaultProfile, "default_profile in "+ConfigPath()
	}
	if err := checkName(name); err != nil {
		return "", fmt.Errorf("%s: %w", source, err)
	}
	return name, nil
}

// SetDefault records name as default_profile in the global config.
func SetDefault(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	return config.Save(ConfigPath(), &config.Config{DefaultProfile: name})
}

func checkName(name string) error {
	if !profileName.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: use 1-64 of a-z, 0-9, '_' or '-'", name)
	}
	return nil
}
