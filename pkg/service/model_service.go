package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/deepseek"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino-ext/components/model/qianfan"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/quillchat/quillchat/pkg/models"
	"github.com/quillchat/quillchat/pkg/utils"
)

type ModelService struct {
	logger   *slog.Logger
	keystore *KeyStore
}

func NewModelService(keystore *KeyStore) *ModelService {
	return &ModelService{
		logger:   utils.GetLogger(),
		keystore: keystore,
	}
}

// GetModelList fetch model list. API keys are never returned; entries carry a
// credential_id reference instead.
func (m *ModelService) GetModelList(c *gin.Context) {
	modelsList, err := models.LoadModels()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "Failed to read model list"})
		return
	}

	providerFilter := c.Query("provider")

	filteredModels := make([]*models.ModelConfig, 0, len(modelsList))
	for _, mm := range modelsList {
		mm.Normalize()
		mm.ApiKey = ""

		if providerFilter != "" && mm.Provider != providerFilter {
			continue
		}
		filteredModels = append(filteredModels, mm)
	}

	c.JSON(http.StatusOK, gin.H{"code": 200, "data": filteredModels})
}

// AddModel add a new model. An inline api_key is moved into the key store and
// replaced with a credential reference before the model list is saved.
func (m *ModelService) AddModel(c *gin.Context) {
	var req models.ModelConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "Invalid parameters"})
		return
	}
	req.Normalize()
	if req.Name == "" || req.Provider == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "Name and provider required"})
		return
	}
	if _, ok := models.SupportedModelProviders[req.Provider]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "Unsupported model provider"})
		return
	}
	currentModels, err := models.LoadModels()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "Failed to read model list"})
		return
	}
	for _, mm := range currentModels {
		if mm.Name == req.Name {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "Model name already exists"})
			return
		}
	}
	if err := m.absorbApiKey(&req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "Failed to store credential"})
		return
	}
	req.ID = uuid.New().String()
	currentModels = append(currentModels, &req)
	if err := models.SaveModels(currentModels); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "Failed to save model"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "message": "Added successfully"})
}

// EditModel update an existing model
func (m *ModelService) EditModel(c *gin.Context) {
	id := c.Param("id")
	var req models.ModelConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "Invalid parameters"})
		return
	}
	req.Normalize()
	if req.Name == "" || req.Provider == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "Name and provider required"})
		return
	}
	if _, ok := models.SupportedModelProviders[req.Provider]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "Unsupported model provider"})
		return
	}

	currentModels, err := models.LoadModels()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "Failed to read model list"})
		return
	}
	found := false
	for i, mm := range currentModels {
		if mm.ID == id {
			// Name uniqueness check
			for _, other := range currentModels {
				if other.Name == req.Name && other.ID != id {
					c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "Model name already exists"})
					return
				}
			}
			if req.CredentialID == "" {
				req.CredentialID = mm.CredentialID
			}
			if err := m.absorbApiKey(&req); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "Failed to store credential"})
				return
			}
			currentModels[i] = &req
			currentModels[i].ID = id // keep ID unchanged
			found = true
			break
		}
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"code": 404, "message": "Model not found"})
		return
	}
	if err := models.SaveModels(currentModels); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "Failed to save model"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "message": "Updated successfully"})
}

// DeleteModel delete model
func (m *ModelService) DeleteModel(c *gin.Context) {
	id := c.Param("id")
	currentModels, err := models.LoadModels()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "Failed to read model list"})
		return
	}
	idx := -1
	for i, mm := range currentModels {
		if mm.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		c.JSON(http.StatusNotFound, gin.H{"code": 404, "message": "Model not found"})
		return
	}
	currentModels = append(currentModels[:idx], currentModels[idx+1:]...)
	if err := models.SaveModels(currentModels); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "Failed to save model"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "message": "Deleted successfully"})
}

// TestModelConnection connectivity test for model provider
func (m *ModelService) TestModelConnection(c *gin.Context) {
	var req models.ModelConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "Invalid parameters: " + err.Error()})
		return
	}
	req.Normalize()
	if req.Provider == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "Provider required"})
		return
	}
	if _, ok := models.SupportedModelProviders[req.Provider]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "Unknown provider"})
		return
	}

	// Inline key wins, otherwise resolve the referenced credential.
	if req.ApiKey == "" && req.CredentialID != "" {
		key, err := m.keystore.Resolve(req.CredentialID)
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"code": 200, "success": false, "message": "Credential not found"})
			return
		}
		req.ApiKey = key
	}

	ctx := c.Request.Context()
	chatModel, err := m.CreateChatModel(ctx, &req)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"code": 200, "success": false, "message": "Model init failed: " + err.Error()})
		return
	}
	testMessages := []*schema.Message{{Role: schema.User, Content: "Hi"}}
	if _, err := chatModel.Generate(ctx, testMessages); err != nil {
		c.JSON(http.StatusOK, gin.H{"code": 200, "success": false, "message": "Connection failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "success": true, "message": "Connection successful"})
}

// absorbApiKey moves an inline api_key into the key store, leaving only the
// credential reference on the config.
func (m *ModelService) absorbApiKey(config *models.ModelConfig) error {
	if config.ApiKey == "" {
		return nil
	}
	id, err := m.keystore.Put(Credential{
		ID:       config.CredentialID,
		Provider: config.Provider,
		Name:     config.Name,
		ApiKey:   config.ApiKey,
	})
	if err != nil {
		return err
	}
	config.CredentialID = id
	config.ApiKey = ""
	return nil
}

// CreateChatModel creates an eino chat model from config. The config's ApiKey
// must already be resolved (see ResolveModel).
func (m *ModelService) CreateChatModel(ctx context.Context, config *models.ModelConfig) (einoModel.ToolCallingChatModel, error) {
	if config == nil {
		return nil, fmt.Errorf("model config is nil")
	}

	switch config.Provider {
	case "openai", "custom":
		chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: config.BaseUrl,
			APIKey:  config.ApiKey,
			Model:   config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI model: %w", err)
		}
		return chatModel, nil

	case "ark":
		timeout := time.Second * 600
		retries := 3
		region := ""
		if config.Extra != nil {
			if v, ok := config.Extra["region"]; ok {
				region, _ = v.(string)
			}
		}
		chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:    config.BaseUrl,
			Region:     region,
			Timeout:    &timeout,
			RetryTimes: &retries,
			APIKey:     config.ApiKey,
			Model:      config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ark model: %w", err)
		}
		return chatModel, nil

	case "deepseek":
		chatModel, err := deepseek.NewChatModel(ctx, &deepseek.ChatModelConfig{
			BaseURL: config.BaseUrl,
			APIKey:  config.ApiKey,
			Model:   config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create DeepSeek model: %w", err)
		}
		return chatModel, nil

	case "anthropic":
		chatModel, err := claude.NewChatModel(ctx, &claude.Config{
			BaseURL:   &config.BaseUrl,
			APIKey:    config.ApiKey,
			Model:     config.Model,
			MaxTokens: 8192,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Claude model: %w", err)
		}
		return chatModel, nil

	case "ollama":
		chatModel, err := ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: config.BaseUrl,
			Model:   config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama model: %w", err)
		}
		return chatModel, nil

	case "google":
		genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  config.ApiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
			Client: genaiClient,
			Model:  config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini model: %w", err)
		}
		return chatModel, nil

	case "qianfan":
		qianfanConfig := qianfan.GetQianfanSingletonConfig()
		qianfanConfig.BaseURL = config.BaseUrl
		qianfanConfig.BearerToken = config.ApiKey
		chatModel, err := qianfan.NewChatModel(ctx, &qianfan.ChatModelConfig{
			Model: config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Qianfan model: %w", err)
		}
		return chatModel, nil

	case "qwen":
		chatModel, err := qwen.NewChatModel(ctx, &qwen.ChatModelConfig{
			BaseURL: config.BaseUrl,
			APIKey:  config.ApiKey,
			Model:   config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Qwen model: %w", err)
		}
		return chatModel, nil

	default:
		return nil, fmt.Errorf("unsupported model provider: %s", config.Provider)
	}
}

// GetModelConfig get specified model config (match by name or model field)
func (m *ModelService) GetModelConfig(modelName string) (*models.ModelConfig, error) {
	currentModels, err := models.LoadModels()
	if err != nil {
		return nil, err
	}
	for _, mm := range currentModels {
		mm.Normalize()
		if mm.Name == modelName || mm.Model == modelName {
			return mm, nil
		}
	}
	return nil, nil // not found
}

// ResolveModel looks up a model config and resolves its credential into a
// usable ApiKey. Ollama needs no key; every other provider requires either a
// credential reference or nothing for custom endpoints.
func (m *ModelService) ResolveModel(modelName string) (*models.ModelConfig, error) {
	config, err := m.GetModelConfig(modelName)
	if err != nil {
		return nil, err
	}
	if config == nil {
		return nil, models.NewValidationError("no model selected or model not configured")
	}
	if config.CredentialID != "" {
		key, err := m.keystore.Resolve(config.CredentialID)
		if err != nil {
			return nil, models.NewValidationError("credential missing for selected model")
		}
		cp := *config
		cp.ApiKey = key
		return &cp, nil
	}
	if config.Provider != "ollama" && config.Provider != "custom" {
		return nil, models.NewValidationError("credential missing for selected model")
	}
	return config, nil
}

// ListCredentials is the Gin handler for the credential listing.
func (m *ModelService) ListCredentials(c *gin.Context) {
	creds, err := m.keystore.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "Failed to read credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": creds})
}

// AddCredential stores a new credential.
func (m *ModelService) AddCredential(c *gin.Context) {
	var req Credential
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "Invalid parameters"})
		return
	}
	if req.Provider == "" || req.ApiKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "Provider and api_key required"})
		return
	}
	req.ID = ""
	id, err := m.keystore.Put(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "Failed to store credential"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": gin.H{"id": id}})
}

// DeleteCredential removes a credential.
func (m *ModelService) DeleteCredential(c *gin.Context) {
	if err := m.keystore.Delete(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "Failed to delete credential"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "message": "Deleted successfully"})
}
