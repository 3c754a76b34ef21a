// Package identity resolves the runner's stable identifier, persisting a
// generated UUID across restarts when none is configured. The ID is
// written atomically via temp-file-then-rename so a crash mid-write never
// leaves a corrupt or partially-written id file.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const idFileName = ".runner-id"

// LoadOrCreate returns configuredID unchanged if non-empty. Otherwise it
// reads the persisted ID from <baseDir>/.runner-id, or generates and
// persists a new UUIDv4 if no such file exists yet.
func LoadOrCreate(baseDir, configuredID string) (string, error) {
	if configuredID != "" {
		return configuredID, nil
	}

	path := filepath.Join(baseDir, idFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("identity: failed to read %s: %w", path, err)
	}

	id := uuid.NewString()
	if err := persist(baseDir, path, id); err != nil {
		return "", err
	}
	return id, nil
}

// persist writes id to path atomically via temp-file-then-rename.
func persist(baseDir, path, id string) error {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fmt.Errorf("identity: failed to create base directory: %w", err)
	}

	tmp, err := os.CreateTemp(baseDir, idFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("identity: failed to create temp id file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.WriteString(id); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: failed to write id: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("identity: failed to close temp id file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("identity: failed to rename id file: %w", err)
	}
	ok = true
	return nil
}
