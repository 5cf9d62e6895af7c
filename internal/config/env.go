package config

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// envFileVar names an explicit .env path, bypassing the directory search.
const envFileVar = "EMTICKETEN_ENV_FILE"

// LoadEnvFile sets variables from the nearest .env file, searching the
// working directory and up to five parents. Variables already present in the
// environment are left alone.
func LoadEnvFile(logger *slog.Logger) {
	path, ok := os.LookupEnv(envFileVar)
	if !ok {
		var err error
		if path, err = findEnvFile(); err != nil {
			logger.Warn("failed to locate .env", "err", err)
			return
		}
	}
	if path == "" {
		logger.Debug(".env not found in current or parent directories")
		return
	}

	file, err := os.Open(path)
	if err != nil {
		logger.Warn("failed to open .env", "path", path, "err", err)
		return
	}
	defer file.Close()

	vars, err := parseEnvFile(file)
	if err != nil {
		logger.Warn("failed to load .env", "path", path, "err", err)
		return
	}
	set := applyEnv(vars, os.LookupEnv, os.Setenv, logger)
	logger.Info("loaded env file", "path", path, "set", set, "skipped", len(vars)-set)
}

func findEnvFile() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for range 6 {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", nil
}

// parseEnvFile reads KEY=VALUE pairs. Blank lines, comments and lines without
// a key are ignored; an optional "export " prefix and matching quotes are
// stripped. Later assignments win.
func parseEnvFile(r io.Reader) (map[string]string, error) {
	vars := make(map[string]string)
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			line = strings.TrimPrefix(line, "\ufeff")
			first = false
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		vars[key] = trimQuotes(strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return vars, nil
}

// applyEnv sets each variable that lookup does not already know and returns
// how many were set.
func applyEnv(vars map[string]string, lookup func(string) (string, bool), setenv func(string, string) error, logger *slog.Logger) int {
	set := 0
	for key, value := range vars {
		if _, exists := lookup(key); exists {
			continue
		}
		if err := setenv(key, value); err != nil {
			logger.Warn("failed to set variable from env file", "key", key, "err", err)
			continue
		}
		set++
	}
	return set
}

func trimQuotes(value string) string {
	if len(value) < 2 {
		return value
	}
	first, last := value[0], value[len(value)-1]
	if first == last && (first == '"' || first == '\'') {
		return value[1 : len(value)-1]
	}
	return value
}

// ParseCSV splits a comma-separated list, dropping blanks.
func ParseCSV(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
