package httpapi

import (
	_ "embed"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"github.com/vibe80/vibe80/internal/common/httpmw"
)

//go:embed models.yaml
var modelCatalogYAML []byte

// Model is one catalog entry for a provider.
type Model struct {
	ID               string   `yaml:"id" json:"id"`
	Label            string   `yaml:"label" json:"label"`
	ReasoningEfforts []string `yaml:"reasoningEfforts" json:"reasoningEfforts,omitempty"`
	Default          bool     `yaml:"default" json:"default,omitempty"`
}

var (
	catalogOnce sync.Once
	catalog     map[string][]Model
	catalogErr  error
)

func modelCatalog() (map[string][]Model, error) {
	catalogOnce.Do(func() {
		catalogErr = yaml.Unmarshal(modelCatalogYAML, &catalog)
	})
	return catalog, catalogErr
}

// listModels serves the embedded per-provider model catalog.
func (s *Server) listModels(c *gin.Context) {
	models, err := modelCatalog()
	if err != nil {
		httpmw.AbortError(c, http.StatusInternalServerError, "model catalog unavailable")
		return
	}

	provider := c.Query("provider")
	if provider == "" {
		c.JSON(http.StatusOK, gin.H{"providers": models})
		return
	}
	entries, ok := models[provider]
	if !ok {
		httpmw.AbortError(c, http.StatusBadRequest, "invalid provider")
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": provider, "models": entries})
}
