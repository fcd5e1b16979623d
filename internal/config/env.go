package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadEnv loads environment variables from a .env file and returns the path
// it loaded, or "" when none was found.
//
// Search order (first hit wins):
//  1. Explicit paths passed as arguments.
//  2. The executable's directory and up to three parents, so bin/studio finds
//     the project-root .env.
//  3. The current working directory, for `go run ./cmd/studio`.
//
// Variables already set in the process environment are never overridden.
func LoadEnv(paths ...string) string {
	if len(paths) > 0 {
		if err := godotenv.Load(paths...); err != nil {
			log.Printf("[Config] No .env file at %v, using system environment variables", paths)
			return ""
		}
		return paths[0]
	}

	candidates := envCandidates()
	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			log.Printf("[Config] Failed to load .env from %s: %v", p, err)
			return ""
		}
		log.Printf("[Config] Loaded .env from %s", p)
		return p
	}

	log.Printf("[Config] No .env file found (searched: %v), using system environment variables", candidates)
	return ""
}

func envCandidates() []string {
	var candidates []string
	seen := map[string]bool{}
	add := func(p string) {
		p = filepath.Clean(p)
		if !seen[p] {
			seen[p] = true
			candidates = append(candidates, p)
		}
	}

	if exe, err := os.Executable(); err == nil {
		if real, err := filepath.EvalSymlinks(exe); err == nil {
			exe = real
		}
		dir := filepath.Dir(exe)
		for i := 0; i <= 3; i++ {
			add(filepath.Join(dir, ".env"))
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	if cwd, err := os.Getwd(); err == nil {
		add(filepath.Join(cwd, ".env"))
	}
	return candidates
}

// EnvFilePath describes where .env would be loaded from, for the banner.
func EnvFilePath() string {
	candidates := envCandidates()
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return fmt.Sprintf("(not found; searched %d locations)", len(candidates))
}
