package report

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/plot/vg"
)

func formatOf(path string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext == "" {
		return "png"
	}
	return ext
}

func saveCanvas(w vg.CanvasWriterTo, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "Fail to create plot file %s", path)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.Wrapf(cerr, "Fail to close plot file %s", path)
		}
	}()

	if _, err = w.WriteTo(f); err != nil {
		return errors.Wrapf(err, "Fail to write plot %s", path)
	}

	return nil
}
