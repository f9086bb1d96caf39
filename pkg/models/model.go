package models

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const modelFileName = ".quillchat/models.json"

// ModelCapabilities describes functional features a model supports.
// All fields are optional and default to false when omitted.
type ModelCapabilities struct {
	Reasoning bool `json:"reasoning,omitempty"` // chain-of-thought / deep thinking output
	Streaming bool `json:"streaming,omitempty"`
	Vision    bool `json:"vision,omitempty"`
}

// ModelConfig holds a configured model. The API key itself lives in the
// encrypted key store; CredentialID references it. ApiKey is only populated
// transiently after resolution and is masked on any listing.
type ModelConfig struct {
	ID           string                 `json:"id"`
	Provider     string                 `json:"provider"`
	Model        string                 `json:"model"` // provider model identifier
	Name         string                 `json:"name"`  // display name
	BaseUrl      string                 `json:"base_url"`
	CredentialID string                 `json:"credential_id,omitempty"`
	ApiKey       string                 `json:"api_key,omitempty"`
	Capabilities *ModelCapabilities     `json:"capabilities,omitempty"`
	Extra        map[string]interface{} `json:"extra,omitempty"` // vendor-specific fields
}

func (m *ModelConfig) Normalize() {
	if m.Extra == nil {
		m.Extra = map[string]interface{}{}
	}
}

// Get model storage file path
func getModelFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return modelFileName // fallback
	}
	return filepath.Join(home, modelFileName)
}

// LoadModels loads the configured model list.
func LoadModels() ([]*ModelConfig, error) {
	path := getModelFilePath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return []*ModelConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var models []*ModelConfig
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, err
	}
	for _, m := range models {
		if m != nil {
			m.Normalize()
		}
	}
	return models, nil
}

// SaveModels persists the configured model list.
func SaveModels(models []*ModelConfig) error {
	path := getModelFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	for _, m := range models {
		if m != nil {
			m.Normalize()
		}
	}
	data, err := json.MarshalIndent(models, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// SupportedModelProviders supported model providers
var SupportedModelProviders = map[string]struct{}{
	"openai":    {},
	"deepseek":  {},
	"anthropic": {},
	"google":    {},
	"ark":       {},
	"ollama":    {},
	"qianfan":   {},
	"qwen":      {},
	"custom":    {},
}
