package report

import (
	"fmt"

	"github.com/harrison-roh/image-classification-from-little-data/learnapp/training"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// Summary 한 단계의 학습 결과 요약
type Summary struct {
	Stage  string `yaml:"stage" json:"stage"`
	Epochs int    `yaml:"epochs" json:"epochs"`

	LastLoss          float64 `yaml:"lastLoss" json:"lastLoss"`
	LastAccuracy      float64 `yaml:"lastAccuracy" json:"lastAccuracy"`
	LastValLoss       float64 `yaml:"lastValLoss" json:"lastValLoss"`
	LastValAccuracy   float64 `yaml:"lastValAccuracy" json:"lastValAccuracy"`
	BestValAccuracy   float64 `yaml:"bestValAccuracy" json:"bestValAccuracy"`
	BestEpoch         int     `yaml:"bestEpoch" json:"bestEpoch"`
	MeanValAccuracy   float64 `yaml:"meanValAccuracy" json:"meanValAccuracy"`
	MedianValAccuracy float64 `yaml:"medianValAccuracy" json:"medianValAccuracy"`
	ValLossStdDev     float64 `yaml:"valLossStdDev" json:"valLossStdDev"`
}

// Summarize History 요약
func Summarize(h *training.History) (Summary, error) {
	last, ok := h.Last()
	if !ok {
		return Summary{}, errors.Errorf("No epochs in %s history", h.Stage)
	}

	s := Summary{
		Stage:           h.Stage,
		Epochs:          len(h.Epochs),
		LastLoss:        last.Loss,
		LastAccuracy:    last.Accuracy,
		LastValLoss:     last.ValLoss,
		LastValAccuracy: last.ValAccuracy,
	}

	valAcc := stats.Float64Data(h.Series(training.MetricValAccuracy))
	valLoss := stats.Float64Data(h.Series(training.MetricValLoss))

	var err error
	if s.BestValAccuracy, err = valAcc.Max(); err != nil {
		return Summary{}, err
	}
	for _, e := range h.Epochs {
		if e.ValAccuracy == s.BestValAccuracy {
			s.BestEpoch = e.Epoch
			break
		}
	}
	if s.MeanValAccuracy, err = valAcc.Mean(); err != nil {
		return Summary{}, err
	}
	if s.MedianValAccuracy, err = valAcc.Median(); err != nil {
		return Summary{}, err
	}
	if s.ValLossStdDev, err = valLoss.StandardDeviation(); err != nil {
		return Summary{}, err
	}

	return s, nil
}

func (s Summary) String() string {
	return fmt.Sprintf("%s: %d epochs, val_accuracy last %.4f best %.4f (epoch %d) mean %.4f, val_loss last %.4f sd %.4f",
		s.Stage, s.Epochs, s.LastValAccuracy, s.BestValAccuracy, s.BestEpoch, s.MeanValAccuracy,
		s.LastValLoss, s.ValLossStdDev)
}

func points(values []float64) plotter.XYs {
	pts := make(plotter.XYs, len(values))
	for i, v := range values {
		pts[i].X = float64(i + 1)
		pts[i].Y = v
	}
	return pts
}

// PlotHistory 손실과 정확도 곡선을 이미지로 저장 (확장자로 형식 결정)
func PlotHistory(h *training.History, path string) error {
	if len(h.Epochs) == 0 {
		return errors.Errorf("No epochs in %s history", h.Stage)
	}

	lossPlot, err := newPlot(h.Stage+" loss", "loss",
		"train", points(h.Series(training.MetricLoss)),
		"validation", points(h.Series(training.MetricValLoss)))
	if err != nil {
		return err
	}
	accPlot, err := newPlot(h.Stage+" accuracy", "accuracy",
		"train", points(h.Series(training.MetricAccuracy)),
		"validation", points(h.Series(training.MetricValAccuracy)))
	if err != nil {
		return err
	}

	const (
		width  = 6 * vg.Inch
		height = 8 * vg.Inch
	)
	img, err := draw.NewFormattedCanvas(width, height, formatOf(path))
	if err != nil {
		return errors.Wrapf(err, "Fail to create canvas for %s", path)
	}

	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 2, Cols: 1, PadY: vg.Centimeter}
	canvases := plot.Align([][]*plot.Plot{{lossPlot}, {accPlot}}, tiles, dc)
	lossPlot.Draw(canvases[0][0])
	accPlot.Draw(canvases[1][0])

	return saveCanvas(img, path)
}

func newPlot(title, yLabel string, lines ...interface{}) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = yLabel
	p.Legend.Top = true

	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return nil, errors.Wrap(err, "Fail to add lines")
	}

	return p, nil
}
