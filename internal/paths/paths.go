package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrInvalidRemoteID returned when a remote task id fails validation
	ErrInvalidRemoteID = errors.New("invalid remote id")
)

const maxRemoteIDLen = 128

// MaxRemoteIDLen returns the maximum allowed remote id length.
func MaxRemoteIDLen() int { return maxRemoteIDLen }

var remoteIDRe = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,` + strconv.Itoa(maxRemoteIDLen) + `}$`)

// ValidateRemoteID returns nil for ids that are safe to place in a URL path
// segment, or ErrInvalidRemoteID.
// Rules:
// - Only allow ASCII letters, digits, dot, underscore, colon and dash.
// - Max length is 128.
// - Disallow "." and ".." and any ".." substring.
func ValidateRemoteID(id string) error {
	if id == "" {
		return fmt.Errorf("empty remote id: %w", ErrInvalidRemoteID)
	}
	if len(id) > maxRemoteIDLen {
		return fmt.Errorf("remote id too long: %w", ErrInvalidRemoteID)
	}
	if id == "." || strings.Contains(id, "..") {
		return fmt.Errorf("remote id contains disallowed dots: %w", ErrInvalidRemoteID)
	}
	if !remoteIDRe.MatchString(id) {
		return fmt.Errorf("remote id contains invalid characters: %w", ErrInvalidRemoteID)
	}
	return nil
}

// StateDir returns the relative directory holding local state (".reconciler").
func StateDir() string { return ".reconciler" }

// ConfigFile returns the relative config file path (".reconciler/config.toml").
func ConfigFile() string {
	return filepath.ToSlash(filepath.Join(StateDir(), "config.toml"))
}

// JournalFile returns the default relative journal database path.
func JournalFile() string {
	return filepath.ToSlash(filepath.Join(StateDir(), "journal.db"))
}

// SafeJoin joins root with rel and ensures the resulting path is inside root.
// Returns an error if the result would escape root or if rel is absolute.
func SafeJoin(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("empty root")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("relative path expected, got absolute: %s", rel)
	}
	cleaned := filepath.Clean(filepath.Join(root, rel))
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absCleaned, err := filepath.Abs(cleaned)
	if err != nil {
		return "", err
	}
	relToRoot, err := filepath.Rel(absRoot, absCleaned)
	if err != nil {
		return "", err
	}
	if relToRoot == ".." || strings.HasPrefix(filepath.ToSlash(relToRoot), "../") {
		return "", fmt.Errorf("path escapes root: %s", rel)
	}
	return absCleaned, nil
}
