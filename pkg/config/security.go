package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// securityPath locates .deployd/security.json under stateDir.
func securityPath(stateDir string) string {
	return filepath.Join(stateDir, ".deployd", "security.json")
}

// ReadSecurity returns the persisted security settings document.
func ReadSecurity(stateDir string) (map[string]interface{}, error) {
	data, err := os.ReadFile(securityPath(stateDir))
	if err != nil {
		return nil, fmt.Errorf("reading security settings: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing security settings: %w", err)
	}
	return out, nil
}

// WriteSecurity merges updates into security.json, preserving unnamed keys,
// and rewrites the file with its original 0600 mode. Returns the merged
// document.
func WriteSecurity(stateDir string, updates map[string]interface{}) (map[string]interface{}, error) {
	current, err := ReadSecurity(stateDir)
	if err != nil {
		return nil, err
	}
	for k, v := range updates {
		if v == nil {
			delete(current, k)
			continue
		}
		current[k] = v
	}
	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(securityPath(stateDir), data, 0600); err != nil {
		return nil, fmt.Errorf("writing security settings: %w", err)
	}
	return current, nil
}
