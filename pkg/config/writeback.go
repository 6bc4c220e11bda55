package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// WriteBack merges the touched settings into the original config file,
// preserving every key the server never modified. Called once during
// graceful shutdown when update_settings is enabled.
func WriteBack(file string, touched map[string]any) error {
	if file == "" || len(touched) == 0 {
		return nil
	}

	existing := make(map[string]any)
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read config file for write-back: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf("parse config file for write-back: %w", err)
		}
	}

	for key, value := range touched {
		existing[key] = value
	}

	out, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config file: %w", err)
	}
	if err := os.WriteFile(file, out, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
