package training

import (
	"context"
	"fmt"
	"io"

	"github.com/harrison-roh/image-classification-from-little-data/learnapp/nn"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// FitConfig 학습 설정
type FitConfig struct {
	Stage           string
	Epochs          int
	Steps           int // epoch당 학습 배치 수
	ValidationSteps int // epoch당 검증 배치 수. 0이면 검증하지 않음

	// 매 epoch이 끝날 때 호출. 에러를 반환하면 학습을 중단한다
	OnEpoch func(EpochResult) error
}

func (c FitConfig) validate() error {
	if c.Epochs < 1 {
		return errors.Errorf("Invalid epochs %d", c.Epochs)
	}
	if c.Steps < 1 {
		return errors.Errorf("Invalid steps per epoch %d", c.Steps)
	}
	if c.ValidationSteps < 0 {
		return errors.Errorf("Invalid validation steps %d", c.ValidationSteps)
	}
	return nil
}

type meter struct {
	loss, acc float64
	n         int
}

func (m *meter) add(loss, acc float64, n int) {
	m.loss += loss * float64(n)
	m.acc += acc * float64(n)
	m.n += n
}

func (m *meter) mean() (float64, float64) {
	if m.n == 0 {
		return 0, 0
	}
	return m.loss / float64(m.n), m.acc / float64(m.n)
}

// Fit minibatch 학습
// 매 epoch마다 Steps개 배치로 학습하고 ValidationSteps개 배치로 검증한다.
// 학습 전에 한 번 검증해서 초기 손실과 정확도를 기록한다.
func Fit(ctx context.Context, model *nn.Sequential, opt nn.Optimizer, train, val BatchSource,
	cfg FitConfig, logger log.FieldLogger) (*History, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	validate := val != nil && cfg.ValidationSteps > 0

	h := &History{Stage: cfg.Stage}
	logger = logger.WithField("stage", cfg.Stage)

	if validate {
		loss, acc, err := Evaluate(model, val, cfg.ValidationSteps)
		if err != nil {
			return nil, errors.Wrap(err, "Fail to evaluate initial model")
		}
		h.InitLoss, h.InitAccuracy = loss, acc
		logger.WithFields(log.Fields{
			"loss":     fmt.Sprintf("%.4f", loss),
			"accuracy": fmt.Sprintf("%.4f", acc),
		}).Info("Initial evaluation")
	}

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		var m meter
		for step := 0; step < cfg.Steps; step++ {
			if err := ctx.Err(); err != nil {
				return h, err
			}

			x, y, err := train.Next()
			if err == io.EOF {
				break
			} else if err != nil {
				return h, errors.Wrapf(err, "Fail to read training batch (epoch %d)", epoch)
			}

			loss, acc, err := trainStep(model, opt, x, y)
			if err != nil {
				return h, err
			}
			m.add(loss, acc, len(y))
		}

		r := EpochResult{Epoch: epoch}
		r.Loss, r.Accuracy = m.mean()
		if validate {
			loss, acc, err := Evaluate(model, val, cfg.ValidationSteps)
			if err != nil {
				return h, errors.Wrapf(err, "Fail to validate (epoch %d)", epoch)
			}
			r.ValLoss, r.ValAccuracy = loss, acc
		}
		h.Epochs = append(h.Epochs, r)

		logger.WithFields(log.Fields{
			"epoch":        fmt.Sprintf("%d/%d", epoch, cfg.Epochs),
			"loss":         fmt.Sprintf("%.4f", r.Loss),
			"accuracy":     fmt.Sprintf("%.4f", r.Accuracy),
			"val_loss":     fmt.Sprintf("%.4f", r.ValLoss),
			"val_accuracy": fmt.Sprintf("%.4f", r.ValAccuracy),
		}).Info("Epoch done")

		if cfg.OnEpoch != nil {
			if err := cfg.OnEpoch(r); err != nil {
				return h, err
			}
		}
	}

	return h, nil
}

func trainStep(model *nn.Sequential, opt nn.Optimizer, x *nn.Tensor, y []float64) (float64, float64, error) {
	pred, err := model.Forward(x, true)
	if err != nil {
		return 0, 0, err
	}

	loss, grad, err := nn.BinaryCrossEntropy(pred, y)
	if err != nil {
		return 0, 0, err
	}
	loss += model.RegularizationLoss()

	model.Backward(grad)
	opt.Step(model.TrainableParams())

	return loss, nn.BinaryAccuracy(pred, y), nil
}

// Evaluate 최대 steps개 배치의 평균 손실과 정확도 (정규화 손실 포함)
func Evaluate(model *nn.Sequential, src BatchSource, steps int) (float64, float64, error) {
	var m meter
	for step := 0; step < steps; step++ {
		x, y, err := src.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return 0, 0, err
		}

		pred, err := model.Predict(x)
		if err != nil {
			return 0, 0, err
		}
		loss, _, err := nn.BinaryCrossEntropy(pred, y)
		if err != nil {
			return 0, 0, err
		}
		m.add(loss+model.RegularizationLoss(), nn.BinaryAccuracy(pred, y), len(y))
	}

	if m.n == 0 {
		return 0, 0, errors.New("No samples to evaluate")
	}

	loss, acc := m.mean()
	return loss, acc, nil
}
