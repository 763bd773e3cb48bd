// Package fsutil holds the write-to-temp-then-rename helpers used for every
// file the scraper owns (config, cache, state, health, calendar output).
package fsutil

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// WriteFile writes data to path atomically.
//
// Implementation details:
//   - Ensures parent directory exists (0755).
//   - Writes to a temp file in the same directory, fsyncs, then renames.
//   - A crash leaves either the previous file or the new one, never a
//     truncated mix.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	if path == "" {
		return errors.New("fsutil: path is empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error. After a successful rename
	// this is a no-op.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// WriteJSON marshals v with two-space indentation and writes it atomically.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return WriteFile(path, data, 0o644)
}

// ReadJSON decodes the JSON file at path into v. A missing file is reported
// as an error wrapping fs.ErrNotExist so callers can treat it as absent.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
