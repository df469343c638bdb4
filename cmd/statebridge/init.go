package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/statebridge/examples"
)

// runInit prepares a working directory: the data directory and an
// example config.yaml. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing statebridge workspace in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}
	fmt.Fprintf(w, "  ✓ %s/\n", dataDir)

	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, examples.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to pick a model and add MCP servers.")
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist, so init never overwrites user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
