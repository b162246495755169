package app

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/klabast/wb-services/bir-tomming/internal/logging"
)

// Argon2id parameters (OWASP recommended)
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4
	argon2KeyLen  = 32
	saltLen       = 16
)

// ErrAuthFileExists is returned by CreateAuthFile when overwrite is false.
var ErrAuthFileExists = errors.New("auth file already exists")

// Auth guards endpoints with Basic Auth against an argon2id hash. A nil or
// empty Auth lets every request through.
type Auth struct {
	user   string
	hash   string
	path   string
	logger *slog.Logger
}

// LoadAuth reads "username:hash" from path. A missing file yields an Auth
// that allows everything and logs a warning.
func LoadAuth(path string, logger *slog.Logger) (*Auth, error) {
	logger = logging.Default(logger).With("component", "auth")
	a := &Auth{path: path, logger: logger}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("no auth file found, refresh endpoint is unprotected",
				"expected", path, "hint", "run: bir-tomming hash-password")
			return a, nil
		}
		return nil, fmt.Errorf("failed to read auth file: %w", err)
	}

	user, hash, ok := strings.Cut(strings.TrimSpace(string(data)), ":")
	if !ok || user == "" || hash == "" {
		return nil, fmt.Errorf("invalid auth file format (expected: username:hash)")
	}
	a.user, a.hash = user, hash
	logger.Info("basic auth enabled", "user", user, "file", path)
	return a, nil
}

// Enabled reports whether credentials were loaded.
func (a *Auth) Enabled() bool { return a != nil && a.hash != "" }

// Check verifies a username and password pair.
func (a *Auth) Check(user, pass string) bool {
	if !a.Enabled() {
		return true
	}
	userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(a.user)) == 1
	if !userMatch {
		return false
	}
	ok, err := VerifyPassword(pass, a.hash)
	if err != nil {
		a.logger.Error("error verifying password", "error", err)
		return false
	}
	return ok
}

// Middleware enforces Basic Auth on next.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !a.Check(user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="bir-tomming"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			a.logger.Warn("failed auth attempt", "remote", r.RemoteAddr, "user", user)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HashPassword creates an Argon2id hash of the password
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	// Encode as: $argon2id$v=19$m=65536,t=1,p=4$salt$hash
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argon2Memory, argon2Time, argon2Threads, b64Salt, b64Hash), nil
}

// VerifyPassword verifies a password against an Argon2id hash
func VerifyPassword(password, hash string) (bool, error) {
	parts := strings.Split(hash, "$")
	if len(parts) != 6 {
		return false, fmt.Errorf("invalid hash format")
	}
	if parts[1] != "argon2id" {
		return false, fmt.Errorf("not an argon2id hash")
	}

	var memory, time, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, fmt.Errorf("failed to parse hash parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("failed to decode salt: %w", err)
	}
	decodedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("failed to decode hash: %w", err)
	}

	computedHash := argon2.IDKey([]byte(password), salt, time, memory, uint8(threads), uint32(len(decodedHash)))
	return subtle.ConstantTimeCompare(decodedHash, computedHash) == 1, nil
}

// CreateAuthFile writes "username:hash" to path with mode 0400. An existing
// file is replaced only when overwrite is set.
func CreateAuthFile(path, username, password string, overwrite bool) error {
	if _, err := os.Stat(path); err == nil {
		if !overwrite {
			return fmt.Errorf("%s: %w", path, ErrAuthFileExists)
		}
		// The file is read-only, so it has to go before it can be rewritten.
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove existing auth file: %w", err)
		}
	}

	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	content := fmt.Sprintf("%s:%s\n", username, hash)
	if err := os.WriteFile(path, []byte(content), 0o400); err != nil {
		return fmt.Errorf("failed to write auth file: %w", err)
	}
	return nil
}
