package config

import (
	"io/ioutil"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/backbone"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/constants"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/imagedata"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/nn"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Optimizer 학습 단계별 optimizer 설정
type Optimizer struct {
	LearningRate float64 `yaml:"learningRate" toml:"learning_rate"`
	Momentum     float64 `yaml:"momentum" toml:"momentum"`
	L2           float64 `yaml:"l2" toml:"l2"`
}

// Config 학습 설정정보
type Config struct {
	ImageWidth  int `yaml:"imageWidth" toml:"image_width"`
	ImageHeight int `yaml:"imageHeight" toml:"image_height"`
	Channels    int `yaml:"channels" toml:"channels"`

	TrainDir      string `yaml:"trainDir" toml:"train_dir"`
	ValidationDir string `yaml:"validationDir" toml:"validation_dir"`
	OutputDir     string `yaml:"outputDir" toml:"output_dir"`

	TrainSamples      int `yaml:"trainSamples" toml:"train_samples"`
	ValidationSamples int `yaml:"validationSamples" toml:"validation_samples"`
	Epochs            int `yaml:"epochs" toml:"epochs"`
	BatchSize         int `yaml:"batchSize" toml:"batch_size"`

	Augment  imagedata.Augment `yaml:"augment" toml:"augment"`
	Backbone backbone.Options  `yaml:"backbone" toml:"backbone"`

	Scratch  Optimizer `yaml:"scratch" toml:"scratch"`
	Top      Optimizer `yaml:"top" toml:"top"`
	FineTune Optimizer `yaml:"fineTune" toml:"fine_tune"`

	Seed        int64  `yaml:"seed" toml:"seed"`
	Workers     int    `yaml:"workers" toml:"workers"`
	CacheImages bool   `yaml:"cacheImages" toml:"cache_images"`
	Plots       bool   `yaml:"plots" toml:"plots"`
	HistoryDSN  string `yaml:"historyDSN" toml:"history_dsn"`
}

// Default 기본 설정
func Default() Config {
	blocks := make([]backbone.Block, len(backbone.VGG16Blocks))
	copy(blocks, backbone.VGG16Blocks)

	return Config{
		ImageWidth:  constants.ImageWidth,
		ImageHeight: constants.ImageHeight,
		Channels:    constants.ImageChannels,

		TrainDir:      constants.TrainDir,
		ValidationDir: constants.ValidationDir,
		OutputDir:     constants.OutputDir,

		TrainSamples:      constants.TrainSamples,
		ValidationSamples: constants.ValidationSamples,
		Epochs:            constants.Epochs,
		BatchSize:         constants.BatchSize,

		Augment: imagedata.Augment{
			Rescale:        constants.Rescale,
			ShearRange:     constants.ShearRange,
			ZoomRange:      constants.ZoomRange,
			HorizontalFlip: true,
		},
		Backbone: backbone.Options{
			Blocks:       blocks,
			WeightsFile:  constants.BackboneWeightsFile,
			FrozenLayers: constants.FineTuneFrozenLayers,
		},

		Scratch: Optimizer{LearningRate: constants.RMSpropLearningRate},
		Top:     Optimizer{LearningRate: constants.RMSpropLearningRate},
		FineTune: Optimizer{
			LearningRate: constants.FineTuneLearningRate,
			Momentum:     constants.FineTuneMomentum,
			L2:           constants.FineTuneL2,
		},

		Workers: 4,
		Plots:   true,
	}
}

// Load 기본 설정에 설정 파일 내용을 덮어씀
// 확장자가 .yaml/.yml이면 yaml, .toml이면 toml로 읽는다
func Load(path string) (Config, error) {
	cfg := Default()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err := ioutil.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "Fail to read config: %s", path)
		}
		if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "Fail to parse config: %s", path)
		}
	case ".toml":
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, errors.Wrapf(err, "Fail to parse config: %s", path)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, errors.Errorf("Unknown config keys in %s: %v", path, undecoded)
		}
	default:
		return Config{}, errors.Errorf("Unsupported config format: %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate 설정 검사
func (c Config) Validate() error {
	if c.ImageWidth < 1 || c.ImageHeight < 1 {
		return errors.Errorf("Invalid image size %dx%d", c.ImageWidth, c.ImageHeight)
	}
	if c.Channels != 1 && c.Channels != 3 {
		return errors.Errorf("Unsupported channels: %d", c.Channels)
	}
	if c.TrainDir == "" || c.ValidationDir == "" || c.OutputDir == "" {
		return errors.New("Empty train, validation or output directory")
	}
	if c.TrainSamples < 1 || c.ValidationSamples < 1 {
		return errors.Errorf("Invalid sample counts: train %d, validation %d", c.TrainSamples, c.ValidationSamples)
	}
	if c.Epochs < 1 {
		return errors.Errorf("Invalid epochs: %d", c.Epochs)
	}
	if c.BatchSize < 1 {
		return errors.Errorf("Invalid batch size: %d", c.BatchSize)
	}
	if c.TrainSamples < c.BatchSize || c.ValidationSamples < c.BatchSize {
		return errors.Errorf("Sample counts (%d, %d) must not be smaller than batch size %d",
			c.TrainSamples, c.ValidationSamples, c.BatchSize)
	}
	if c.Augment.Rescale <= 0 {
		return errors.Errorf("Invalid rescale: %g", c.Augment.Rescale)
	}
	if c.Augment.ShearRange < 0 || c.Augment.ZoomRange < 0 || c.Augment.ZoomRange >= 1 {
		return errors.Errorf("Invalid augmentation: shear %g, zoom %g", c.Augment.ShearRange, c.Augment.ZoomRange)
	}

	if len(c.Backbone.Blocks) == 0 {
		return errors.New("Backbone has no blocks")
	}
	depth := backbone.Depth(c.Backbone.Blocks)
	if c.Backbone.FrozenLayers < 0 || c.Backbone.FrozenLayers > depth {
		return errors.Errorf("Frozen layers %d out of backbone depth %d", c.Backbone.FrozenLayers, depth)
	}

	for name, o := range map[string]Optimizer{"scratch": c.Scratch, "top": c.Top, "fineTune": c.FineTune} {
		if o.LearningRate <= 0 || o.Momentum < 0 || o.Momentum >= 1 || o.L2 < 0 {
			return errors.Errorf("Invalid %s optimizer: %+v", name, o)
		}
	}

	if c.Workers < 1 {
		return errors.Errorf("Invalid workers: %d", c.Workers)
	}

	return nil
}

// InputShape 입력 이미지 모양
func (c Config) InputShape() nn.Shape {
	return nn.Shape{H: c.ImageHeight, W: c.ImageWidth, C: c.Channels}
}

// BackboneOptions seed를 포함한 backbone 설정
func (c Config) BackboneOptions() backbone.Options {
	opts := c.Backbone
	opts.Seed = c.Seed
	return opts
}

// OutputPath 출력 디렉토리 안의 파일 경로
func (c Config) OutputPath(name string) string {
	return filepath.Join(c.OutputDir, name)
}

// ScratchWeightsPath 처음부터 학습한 모델의 가중치 파일
func (c Config) ScratchWeightsPath() string {
	return c.OutputPath(constants.ScratchWeightsFile)
}

// TrainFeaturesPath 학습 데이터의 bottleneck 특징 파일
func (c Config) TrainFeaturesPath() string {
	return c.OutputPath(constants.TrainFeaturesFile)
}

// ValidationFeaturesPath 검증 데이터의 bottleneck 특징 파일
func (c Config) ValidationFeaturesPath() string {
	return c.OutputPath(constants.ValidationFeaturesFile)
}

// TopModelWeightsPath bottleneck 분류기 가중치 파일
func (c Config) TopModelWeightsPath() string {
	return c.OutputPath(constants.TopModelWeightsFile)
}

// FineTunedWeightsPath 미세 조정한 모델의 가중치 파일
func (c Config) FineTunedWeightsPath() string {
	return c.OutputPath(constants.FineTunedWeightsFile)
}

// ResultsPath 단계별 학습 결과 파일
func (c Config) ResultsPath() string {
	return c.OutputPath(constants.ResultsFile)
}
