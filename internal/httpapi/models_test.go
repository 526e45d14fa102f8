package httpapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestModelCatalogParses(t *testing.T) {
	models, err := modelCatalog()
	require.NoError(t, err)
	require.Contains(t, models, "codex")
	require.Contains(t, models, "claude")

	// Each provider carries exactly one default model.
	for provider, entries := range models {
		require.NotEmpty(t, entries, "provider %s has no models", provider)
		defaults := 0
		for _, m := range entries {
			require.NotEmpty(t, m.ID)
			require.NotEmpty(t, m.Label)
			if m.Default {
				defaults++
			}
		}
		require.Equal(t, 1, defaults, "provider %s must have one default", provider)
	}
}
