package data

import (
	"os"
	"testing"

	"github.com/harrison-roh/image-classification-from-little-data/learnapp/training"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager(t *testing.T) {
	dsn := os.Getenv("LEARNAPP_TEST_DSN")
	if dsn == "" {
		t.Skip("LEARNAPP_TEST_DSN is not set")
	}

	m, err := New(dsn)
	require.NoError(t, err)
	defer m.Destroy()

	run := "data-test-run"
	defer m.Forget(run)

	require.NoError(t, m.Record(run, "scratch", training.EpochResult{Epoch: 1, Loss: 0.7, ValAccuracy: 0.5}))
	require.NoError(t, m.Record(run, "scratch", training.EpochResult{Epoch: 2, Loss: 0.6, ValAccuracy: 0.6}))
	require.NoError(t, m.Record(run, "top", training.EpochResult{Epoch: 1, Loss: 0.4, ValAccuracy: 0.8}))

	histories, err := m.Histories(run)
	require.NoError(t, err)
	require.Len(t, histories, 2)
	assert.Equal(t, []float64{0.5, 0.6}, histories["scratch"].Series(training.MetricValAccuracy))
	assert.Len(t, histories["top"].Epochs, 1)

	require.NoError(t, m.Forget(run))
	histories, err = m.Histories(run)
	require.NoError(t, err)
	assert.Empty(t, histories)
}
