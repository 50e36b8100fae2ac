package pipeline

import (
	"context"
	"io"

	"github.com/harrison-roh/image-classification-from-little-data/learnapp/backbone"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/features"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/imagedata"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/nn"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/training"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func (r *Runner) fitConfig(stage Stage, steps, validationSteps int) training.FitConfig {
	return training.FitConfig{
		Stage:           string(stage),
		Epochs:          r.cfg.Epochs,
		Steps:           steps,
		ValidationSteps: validationSteps,
		OnEpoch:         r.onEpoch(stage),
	}
}

// RunScratch 작은 합성곱 네트워크를 증강한 이미지로 처음부터 학습
func (r *Runner) RunScratch(ctx context.Context) (*training.History, error) {
	logger := r.stageLogger(StageScratch)
	if err := r.ensureOutputDir(); err != nil {
		return nil, err
	}

	train, validation, err := scanSplits(r.cfg.TrainDir, r.cfg.ValidationDir)
	if err != nil {
		return nil, err
	}

	model := ScratchModel()
	if err := model.Build(r.cfg.InputShape(), r.cfg.Seed); err != nil {
		return nil, errors.Wrap(err, "Fail to build scratch model")
	}
	logger.Infof("Model:\n%s", model.Summary())

	trainIt, valIt, err := r.streams(train, validation)
	if err != nil {
		return nil, err
	}
	defer trainIt.Close()
	defer valIt.Close()

	h, err := training.Fit(ctx, model, nn.NewRMSprop(r.cfg.Scratch.LearningRate), trainIt, valIt,
		r.fitConfig(StageScratch, r.cfg.TrainSamples/r.cfg.BatchSize, r.cfg.ValidationSamples/r.cfg.BatchSize),
		r.logger)
	if err != nil {
		return nil, err
	}

	path := r.cfg.ScratchWeightsPath()
	if err := nn.SaveWeights(path, model); err != nil {
		return nil, err
	}
	logger.WithField("weights", path).Info("Scratch model saved")

	if err := r.finish(StageScratch, h, path); err != nil {
		return nil, err
	}

	return h, nil
}

// SaveBottleneckFeatures 고정된 backbone으로 학습/검증 이미지의 특징을 한 번 계산해 저장
func (r *Runner) SaveBottleneckFeatures(ctx context.Context) error {
	logger := r.stageLogger(StageBottleneck)
	if err := r.ensureOutputDir(); err != nil {
		return err
	}

	train, validation, err := scanSplits(r.cfg.TrainDir, r.cfg.ValidationDir)
	if err != nil {
		return err
	}

	ext, err := backbone.NewExtractor(r.cfg.BackboneOptions(), r.cfg.InputShape())
	if err != nil {
		return err
	}
	defer ext.Close()
	logger.WithField("output", ext.OutputShape()).Info("Backbone loaded")

	splits := []struct {
		name    string
		ds      *imagedata.Dataset
		samples int
		path    string
	}{
		{"train", train, r.cfg.TrainSamples, r.cfg.TrainFeaturesPath()},
		{"validation", validation, r.cfg.ValidationSamples, r.cfg.ValidationFeaturesPath()},
	}
	for _, split := range splits {
		f, err := r.extract(ctx, ext, split.ds, split.samples)
		if err != nil {
			return errors.Wrapf(err, "Fail to extract %s features", split.name)
		}
		if err := f.Save(split.path); err != nil {
			return err
		}
		logger.WithFields(log.Fields{
			"split":    split.name,
			"samples":  f.Len(),
			"features": split.path,
		}).Info("Bottleneck features saved")
	}

	return nil
}

// 값 조정만 한 이미지를 정해진 순서로 한 번 읽어 특징 계산
// (samples/BatchSize)*BatchSize개까지만 사용한다
func (r *Runner) extract(ctx context.Context, ext backbone.Extractor, ds *imagedata.Dataset, samples int) (*features.Features, error) {
	n := (samples / r.cfg.BatchSize) * r.cfg.BatchSize
	if n > ds.Len() {
		r.stageLogger(StageBottleneck).Warnf("%s has %d images, fewer than %d", ds.Dir, ds.Len(), n)
	}
	ds = ds.Head(n)

	it, err := imagedata.NewIterator(ds, imagedata.Options{
		Width:     r.cfg.ImageWidth,
		Height:    r.cfg.ImageHeight,
		Channels:  r.cfg.Channels,
		BatchSize: r.cfg.BatchSize,
		Augment:   r.cfg.Augment.RescaleOnly(),
		Workers:   r.cfg.Workers,
		Cache:     r.images,
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var (
		outs   []*nn.Tensor
		labels []float64
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		x, y, err := it.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}

		out, err := ext.Extract(x)
		if err != nil {
			return nil, err
		}
		outs = append(outs, out)
		labels = append(labels, y...)
	}

	all, err := nn.Concat(outs...)
	if err != nil {
		return nil, err
	}

	return features.New(all, labels, ds.Classes)
}

// TrainTopModel 저장된 bottleneck 특징으로 분류기 학습
func (r *Runner) TrainTopModel(ctx context.Context) (*training.History, error) {
	logger := r.stageLogger(StageTop)
	if err := r.ensureOutputDir(); err != nil {
		return nil, err
	}

	train, err := features.Load(r.cfg.TrainFeaturesPath())
	if err != nil {
		return nil, err
	}
	validation, err := features.Load(r.cfg.ValidationFeaturesPath())
	if err != nil {
		return nil, err
	}
	if train.Shape != validation.Shape {
		return nil, errors.Errorf("Feature shapes differ: %s (train) != %s (validation)", train.Shape, validation.Shape)
	}
	if !sameClasses(train.Classes, validation.Classes) {
		return nil, errors.Errorf("Classes differ: %v (train) != %v (validation)", train.Classes, validation.Classes)
	}

	model := TopModel(0)
	if err := model.Build(train.Shape, r.cfg.Seed); err != nil {
		return nil, errors.Wrap(err, "Fail to build top model")
	}
	logger.Infof("Model:\n%s", model.Summary())

	trainSrc, err := training.NewArraySource(train.Tensor(), train.Labels, r.cfg.BatchSize, true, r.cfg.Seed)
	if err != nil {
		return nil, err
	}
	valSrc, err := training.NewArraySource(validation.Tensor(), validation.Labels, r.cfg.BatchSize, false, r.cfg.Seed)
	if err != nil {
		return nil, err
	}

	h, err := training.Fit(ctx, model, nn.NewRMSprop(r.cfg.Top.LearningRate), trainSrc, valSrc,
		r.fitConfig(StageTop, trainSrc.StepsPerPass(), valSrc.StepsPerPass()), r.logger)
	if err != nil {
		return nil, err
	}

	path := r.cfg.TopModelWeightsPath()
	if err := nn.SaveWeights(path, model); err != nil {
		return nil, err
	}
	logger.WithField("weights", path).Info("Top model saved")

	if err := r.finish(StageTop, h, path); err != nil {
		return nil, err
	}

	return h, nil
}

// FineTuneModel 학습된 backbone 위에 bottleneck 분류기를 올린 모델
// 앞쪽 FrozenLayers개 층은 고정된다
func (r *Runner) FineTuneModel() (*nn.Sequential, error) {
	base, err := backbone.Load(r.cfg.BackboneOptions(), r.cfg.InputShape())
	if err != nil {
		return nil, err
	}

	top := TopModel(r.cfg.FineTune.L2)
	if err := top.Build(base.OutputShape(), r.cfg.Seed); err != nil {
		return nil, errors.Wrap(err, "Fail to build top model")
	}
	if err := nn.LoadWeights(r.cfg.TopModelWeightsPath(), top); err != nil {
		return nil, err
	}

	return compose(base, top, r.cfg)
}

// FineTune backbone 윗부분과 분류기를 낮은 학습률로 함께 학습
func (r *Runner) FineTune(ctx context.Context) (*training.History, error) {
	logger := r.stageLogger(StageFineTune)
	if err := r.ensureOutputDir(); err != nil {
		return nil, err
	}

	train, validation, err := scanSplits(r.cfg.TrainDir, r.cfg.ValidationDir)
	if err != nil {
		return nil, err
	}

	model, err := r.FineTuneModel()
	if err != nil {
		return nil, err
	}
	logger.Infof("Model:\n%s", model.Summary())

	trainIt, valIt, err := r.streams(train, validation)
	if err != nil {
		return nil, err
	}
	defer trainIt.Close()
	defer valIt.Close()

	opt := nn.NewSGD(r.cfg.FineTune.LearningRate, r.cfg.FineTune.Momentum)
	h, err := training.Fit(ctx, model, opt, trainIt, valIt,
		r.fitConfig(StageFineTune, r.cfg.TrainSamples/r.cfg.BatchSize, r.cfg.ValidationSamples/r.cfg.BatchSize),
		r.logger)
	if err != nil {
		return nil, err
	}

	path := r.cfg.FineTunedWeightsPath()
	if err := nn.SaveWeights(path, model); err != nil {
		return nil, err
	}
	logger.WithField("weights", path).Info("Fine-tuned model saved")

	if err := r.finish(StageFineTune, h, path); err != nil {
		return nil, err
	}

	return h, nil
}
