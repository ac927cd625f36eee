package status

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/crawlq/internal/fileutil"
)

// WriteJSON writes report as indented JSON.
func WriteJSON(w io.Writer, report Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode status json: %w", err)
	}
	return nil
}

// Marshal encodes report for path: YAML for .yaml/.yml, JSON otherwise.
func Marshal(path string, report Report) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := yaml.Marshal(report)
		if err != nil {
			return nil, fmt.Errorf("encode status yaml: %w", err)
		}
		return data, nil
	default:
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode status json: %w", err)
		}
		return append(data, '\n'), nil
	}
}

// WriteFile atomically writes report to path in the format its extension
// selects.
func WriteFile(path string, report Report) error {
	data, err := Marshal(path, report)
	if err != nil {
		return err
	}
	if err := fileutil.AtomicWrite(path, data, 0o644); err != nil {
		return fmt.Errorf("write status file: %w", err)
	}
	return nil
}
