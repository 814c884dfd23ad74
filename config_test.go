package boxing

import (
	"testing"

	"github.com/gomlx/boxing/types/boxerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsistencyCheck(t *testing.T) {
	resetConsistencyCheck()
	t.Cleanup(resetConsistencyCheck)

	t.Run("Default", func(t *testing.T) {
		resetConsistencyCheck()
		assert.True(t, ConsistencyCheck())
	})

	t.Run("SetOnce", func(t *testing.T) {
		resetConsistencyCheck()
		require.NoError(t, SetConsistencyCheck(false))
		assert.False(t, ConsistencyCheck())
		err := SetConsistencyCheck(true)
		require.ErrorIs(t, err, boxerr.ErrConfiguration)
		assert.False(t, ConsistencyCheck())
	})

	t.Run("Env", func(t *testing.T) {
		for value, want := range map[string]bool{"false": false, "0": false, "true": true, "1": true, "maybe": true} {
			resetConsistencyCheck()
			t.Setenv(ConsistencyCheckEnv, value)
			assert.Equal(t, want, ConsistencyCheck(), "$%s=%q", ConsistencyCheckEnv, value)
		}
	})

	t.Run("SetOverridesEnv", func(t *testing.T) {
		resetConsistencyCheck()
		t.Setenv(ConsistencyCheckEnv, "false")
		require.NoError(t, SetConsistencyCheck(true))
		assert.True(t, ConsistencyCheck())
	})
}
