package credstore

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// loadJSON reads filename under dir into v. If the primary file is missing,
// v is left unmodified (caller supplies a default beforehand). If the
// primary file exists but fails to parse, it falls back to filename.backup
// before giving up and logging.
func loadJSON(dir, filename string, v any) error {
	path := filepath.Join(dir, filename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("credstore: %s not found, using default", filename)
			return nil
		}
		return fmt.Errorf("reading %s: %w", filename, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		log.Printf("credstore: %s corrupt (%v), trying backup", filename, err)
		backupPath := path + ".backup"
		backupData, berr := os.ReadFile(backupPath)
		if berr != nil {
			return fmt.Errorf("primary %s corrupt and backup unavailable: %w", filename, err)
		}
		if err := json.Unmarshal(backupData, v); err != nil {
			return fmt.Errorf("backup %s also corrupt: %w", filename, err)
		}
		log.Printf("credstore: recovered %s from backup", filename)
	}
	return nil
}

// saveJSON atomically persists v to filename under dir: the previous
// generation (if any) is renamed to filename.backup, then v is written to
// filename.tmp and renamed over filename. A crash between these steps
// leaves either the old file or the new one intact, never a half-written
// file visible under the real name.
func saveJSON(dir, filename string, v any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	path := filepath.Join(dir, filename)
	tmpPath := path + ".tmp"
	backupPath := path + ".backup"

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filename, err)
	}

	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, backupPath); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("rotating backup for %s: %w", filename, err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming %s into place: %w", filename, err)
	}
	return nil
}
