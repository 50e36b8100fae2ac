//go:build !tensorflow
// +build !tensorflow

package backbone

import (
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/nn"
	"github.com/pkg/errors"
)

func newGraphExtractor(g Graph, _ nn.Shape) (Extractor, error) {
	return nil, errors.Errorf("Cannot use graph %s: built without tensorflow support (-tags tensorflow)", g.File)
}

func loadGraphWeights(g Graph, _ *nn.Sequential) error {
	return errors.Errorf("Cannot read weights from graph %s: built without tensorflow support (-tags tensorflow)", g.File)
}
