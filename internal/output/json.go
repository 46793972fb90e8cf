// Package output writes status documents for the CLI and persists the
// daemon state file that links `init`, `run`, `info`, and `terminate`.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// WriteJSON serializes v as indented JSON.
// If path is "-" or empty, writes to stdout.
func WriteJSON(v any, path string) error {
	var w io.Writer = os.Stdout
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode JSON: %w", err)
	}
	return nil
}
