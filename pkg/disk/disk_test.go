package disk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsagePercent(t *testing.T) {
	usage, err := UsagePercent(t.TempDir())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, usage, 0.0)
	assert.LessOrEqual(t, usage, 100.0)
}

func TestUsagePercentMissingPath(t *testing.T) {
	_, err := UsagePercent("/does/not/exist")
	assert.Error(t, err)
}
