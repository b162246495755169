package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// AuthFileEnv overrides the location of the Basic Auth secret file.
const AuthFileEnv = "AUTH_FILE"

// Dir is the home directory holding all persistent state:
//
//	<root>/
//	  config.json    (Store)
//	  auth.secret    (refresh endpoint credentials)
//	  instance_id    (MQTT client identity)
type Dir struct {
	root string
}

// NewDir creates a Dir with an explicit root path.
func NewDir(root string) Dir {
	return Dir{root: root}
}

// DefaultDir returns the platform config location, e.g. ~/.config/bir-tomming.
func DefaultDir() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "bir-tomming")}, nil
}

func (d Dir) Root() string { return d.root }

func (d Dir) ConfigPath() string { return filepath.Join(d.root, "config.json") }

// AuthPath returns $AUTH_FILE if set, else <root>/auth.secret.
func (d Dir) AuthPath() string {
	if p := os.Getenv(AuthFileEnv); p != "" {
		return p
	}
	return filepath.Join(d.root, "auth.secret")
}

// EnsureExists creates the home directory if needed.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}

// InstanceID returns the persistent identity of this install, creating it
// on first use.
func (d Dir) InstanceID() (string, error) {
	p := filepath.Join(d.root, "instance_id")
	if data, err := os.ReadFile(p); err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	v := uuid.Must(uuid.NewV7()).String()
	if err := os.WriteFile(p, []byte(v+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("write instance_id: %w", err)
	}
	return v, nil
}
