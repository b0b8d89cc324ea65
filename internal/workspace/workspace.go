package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// ManifestName marks a cargo package or workspace root
const ManifestName = "Cargo.toml"

// RequiredDirectories returns the directories created under the state dir
func RequiredDirectories() []string {
	return []string{
		"events",      // events/<yyyymmdd>.ndjson
		"transcripts", // transcripts/<yyyymmdd>.txt (human-readable)
	}
}

// Initialize creates the state directory layout under root with 0700
// permissions. It is idempotent.
func Initialize(root, stateDir string) error {
	for _, dir := range append([]string{""}, RequiredDirectories()...) {
		path := filepath.Join(root, stateDir, dir)
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// IsInitialized checks whether every state directory exists
func IsInitialized(root, stateDir string) (bool, error) {
	for _, dir := range RequiredDirectories() {
		path := filepath.Join(root, stateDir, dir)

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}
		if !info.IsDir() {
			return false, nil
		}
	}
	return true, nil
}

// FindRoot walks up from start looking for the cargo workspace root. A
// manifest declaring [workspace] wins; otherwise the nearest manifest is used.
// It returns "" when no manifest exists above start.
func FindRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", start, err)
	}
	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		dir = filepath.Dir(dir)
	}

	nearest := ""
	for {
		manifest := filepath.Join(dir, ManifestName)
		data, err := os.ReadFile(manifest)
		switch {
		case err == nil:
			if declaresWorkspace(data) {
				return dir, nil
			}
			if nearest == "" {
				nearest = dir
			}
		case !os.IsNotExist(err):
			return "", fmt.Errorf("failed to read %s: %w", manifest, err)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nearest, nil
		}
		dir = parent
	}
}

// declaresWorkspace reports whether a manifest has a [workspace] table. A
// manifest that does not parse is treated as a plain package.
func declaresWorkspace(manifest []byte) bool {
	var doc map[string]any
	if err := toml.Unmarshal(manifest, &doc); err != nil {
		return false
	}
	_, ok := doc["workspace"]
	return ok
}
