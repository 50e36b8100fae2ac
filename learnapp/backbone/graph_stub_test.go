//go:build !tensorflow
// +build !tensorflow

package backbone

import (
	"path/filepath"
	"testing"

	"github.com/harrison-roh/image-classification-from-little-data/learnapp/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphRequiresTag(t *testing.T) {
	_, err := NewExtractor(Options{Graph: Graph{File: "vgg16.pb"}}, nn.Shape{H: 8, W: 8, C: 3})
	assert.Error(t, err)
}

// graph가 있으면 WeightsFile이 있어도 graph에서 가중치를 읽는다
func TestLoadGraphRequiresTag(t *testing.T) {
	input := nn.Shape{H: 8, W: 8, C: 3}
	path := filepath.Join(t.TempDir(), "backbone.weights")
	net, err := New(tiny, input, 1)
	require.NoError(t, err)
	require.NoError(t, nn.SaveWeights(path, net))

	_, err = Load(Options{Blocks: tiny, WeightsFile: path}, input)
	require.NoError(t, err)

	_, err = Load(Options{Blocks: tiny, WeightsFile: path, Graph: Graph{File: "vgg16.pb"}}, input)
	assert.Error(t, err)
}
