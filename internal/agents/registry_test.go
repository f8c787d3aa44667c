package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/critic/internal/models"
)

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	t.Run("all agents defined", func(t *testing.T) {
		for _, name := range models.AgentNames {
			role, ok := reg.Get(name)
			require.True(t, ok, "missing role %q", name)
			assert.Equal(t, name, role.Name)
			assert.NotEmpty(t, role.Title)
			assert.NotEmpty(t, role.Prompt)
		}
	})

	t.Run("unknown agent", func(t *testing.T) {
		_, ok := reg.Get("documentation")
		assert.False(t, ok)
	})

	t.Run("roles in priority order", func(t *testing.T) {
		roles := reg.Roles()
		require.Len(t, roles, len(models.AgentNames))
		for i, name := range models.AgentNames {
			assert.Equal(t, name, roles[i].Name)
		}
	})
}
