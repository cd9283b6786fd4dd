// Package engineconfig resolves the per-project database path and layered
// runtime settings, and reads/writes the project.json sidecar.
package engineconfig

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// DBPathEnvVar overrides database path resolution entirely.
const DBPathEnvVar = "ALEXANDRIA_DB_PATH"

// projectMarkers are directory entries that mark a directory as a project
// root when walking up from cwd, checked in order.
var projectMarkers = []string{".git", "go.mod", "package.json"}

var slugInvalidChars = regexp.MustCompile(`[^a-z0-9-]+`)

// ResolveDBPath returns the database file path for the project containing
// cwd, and whether it fell back to the global default because no project
// root was found.
func ResolveDBPath(cwd string) (path string, isFallback bool) {
	if override := os.Getenv(DBPathEnvVar); override != "" {
		return override, false
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".alexandria", "projects")

	root, ok := findProjectRoot(cwd)
	if !ok {
		return filepath.Join(base, "fallback", "alexandria.db"), true
	}

	slug := slugify(filepath.Base(root))
	sum := sha256.Sum256([]byte(root))
	dirName := slug + "_" + hex.EncodeToString(sum[:])[:12]
	return filepath.Join(base, dirName, "alexandria.db"), false
}

func findProjectRoot(cwd string) (string, bool) {
	for dir := cwd; ; {
		for _, marker := range projectMarkers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func slugify(name string) string {
	lower := strings.ToLower(name)
	slug := slugInvalidChars.ReplaceAllString(lower, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "project"
	}
	return slug
}
