package pipeline

import (
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/backbone"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/config"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/constants"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/nn"
	"github.com/pkg/errors"
)

// ScratchModel 처음부터 학습하는 작은 합성곱 네트워크
func ScratchModel() *nn.Sequential {
	return nn.NewSequential(
		nn.NewConv2D("", 32, 3, nn.Valid, nn.ReLU),
		nn.NewMaxPool2D("", 2),
		nn.NewConv2D("", 32, 3, nn.Valid, nn.ReLU),
		nn.NewMaxPool2D("", 2),
		nn.NewConv2D("", 64, 3, nn.Valid, nn.ReLU),
		nn.NewMaxPool2D("", 2),
		nn.NewFlatten(""),
		nn.NewDense("", 64, nn.ReLU),
		nn.NewDropout("", constants.DropoutRate),
		nn.NewDense("", 1, nn.Sigmoid),
	)
}

// TopModel bottleneck 특징 위에 올리는 분류기
// 층 이름이 고정되어 있어 bottleneck 학습의 가중치를 미세 조정에서 읽을 수 있다
func TopModel(l2 float64) *nn.Sequential {
	return nn.NewSequential(
		nn.NewFlatten("top_flatten"),
		nn.NewDense("top_dense_1", 256, nn.ReLU).WithL2(l2),
		nn.NewDropout("top_dropout", constants.DropoutRate),
		nn.NewDense("top_dense_2", 1, nn.Sigmoid).WithL2(l2),
	)
}

// backbone 위에 분류기를 올려 하나의 네트워크로 합침. 두 네트워크의 층과 파라미터를 공유한다
func compose(base, top *nn.Sequential, cfg config.Config) (*nn.Sequential, error) {
	model := nn.NewSequential(append(base.Layers(), top.Layers()...)...)
	if err := model.Build(cfg.InputShape(), cfg.Seed); err != nil {
		return nil, errors.Wrap(err, "Fail to compose model")
	}
	if err := model.Freeze(cfg.Backbone.FrozenLayers); err != nil {
		return nil, err
	}

	return model, nil
}

// ComposedModel 가중치를 읽지 않은 미세 조정 모델 구조
// 미세 조정이 끝난 가중치 파일을 읽어 추론하는 데 사용한다
func ComposedModel(cfg config.Config) (*nn.Sequential, error) {
	base, err := backbone.New(cfg.Backbone.Blocks, cfg.InputShape(), cfg.Seed)
	if err != nil {
		return nil, err
	}

	top := TopModel(cfg.FineTune.L2)
	if err := top.Build(base.OutputShape(), cfg.Seed); err != nil {
		return nil, errors.Wrap(err, "Fail to build top model")
	}

	return compose(base, top, cfg)
}
