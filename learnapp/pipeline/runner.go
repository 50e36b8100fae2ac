package pipeline

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/config"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/imagedata"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/training"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Stage 학습 단계
type Stage string

const (
	StageScratch    Stage = "scratch"
	StageBottleneck Stage = "bottleneck"
	StageTop        Stage = "top"
	StageFineTune   Stage = "fineTune"
	StageAll        Stage = "all"
)

// ParseStage 이름으로 Stage 반환
func ParseStage(s string) (Stage, error) {
	switch stage := Stage(s); stage {
	case StageScratch, StageBottleneck, StageTop, StageFineTune, StageAll:
		return stage, nil
	default:
		return "", errors.Errorf("Unknown stage: %s", s)
	}
}

// Recorder epoch 결과 저장소
type Recorder interface {
	Record(run, stage string, r training.EpochResult) error
}

// Observer 매 epoch 결과를 받음
type Observer func(stage Stage, r training.EpochResult)

// Runner 학습 단계를 차례로 실행
type Runner struct {
	cfg    config.Config
	run    string
	logger *log.Entry

	recorder  Recorder
	observers []Observer
	images    *cache.Cache

	results *Results
}

// Option Runner 선택 설정
type Option func(*Runner)

// WithRunID 실행 ID 지정 (기본은 uuid)
func WithRunID(id string) Option {
	return func(r *Runner) {
		r.run = id
	}
}

// WithLogger logger 지정
func WithLogger(logger log.FieldLogger) Option {
	return func(r *Runner) {
		r.logger = logger.WithFields(log.Fields{})
	}
}

// WithRecorder epoch 결과를 rec에 저장
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) {
		r.recorder = rec
	}
}

// WithObserver epoch 결과를 o에 전달
func WithObserver(o Observer) Option {
	return func(r *Runner) {
		r.observers = append(r.observers, o)
	}
}

// New Runner 생성
func New(cfg config.Config, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:    cfg,
		logger: log.NewEntry(log.StandardLogger()),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.run == "" {
		r.run = uuid.New().String()
	}
	r.logger = r.logger.WithField("run", r.run)

	if cfg.CacheImages {
		r.images = cache.New(30*time.Minute, 10*time.Minute)
	}

	return r, nil
}

// RunID 실행 ID
func (r *Runner) RunID() string {
	return r.run
}

// Config 설정
func (r *Runner) Config() config.Config {
	return r.cfg
}

// Run 한 단계 또는 모든 단계 실행
func (r *Runner) Run(ctx context.Context, stage Stage) error {
	switch stage {
	case StageScratch:
		_, err := r.RunScratch(ctx)
		return err
	case StageBottleneck:
		return r.SaveBottleneckFeatures(ctx)
	case StageTop:
		_, err := r.TrainTopModel(ctx)
		return err
	case StageFineTune:
		_, err := r.FineTune(ctx)
		return err
	case StageAll:
		return r.RunAll(ctx)
	default:
		return errors.Errorf("Unknown stage: %s", stage)
	}
}

// RunAll 처음부터 학습, bottleneck 특징 저장, 분류기 학습, 미세 조정 순으로 실행
// 실패하면 바로 중단한다
func (r *Runner) RunAll(ctx context.Context) error {
	start := time.Now()

	if _, err := r.RunScratch(ctx); err != nil {
		return err
	}
	if err := r.SaveBottleneckFeatures(ctx); err != nil {
		return err
	}
	if _, err := r.TrainTopModel(ctx); err != nil {
		return err
	}
	if _, err := r.FineTune(ctx); err != nil {
		return err
	}

	r.logger.WithField("elapsed", time.Since(start).Round(time.Second)).Info("All stages done")

	return nil
}

func (r *Runner) stageLogger(stage Stage) *log.Entry {
	return r.logger.WithField("stage", stage)
}

func (r *Runner) ensureOutputDir() error {
	if err := os.MkdirAll(r.cfg.OutputDir, os.ModePerm); err != nil {
		return errors.Wrapf(err, "Fail to create output directory %s", r.cfg.OutputDir)
	}
	return nil
}

func (r *Runner) onEpoch(stage Stage) func(training.EpochResult) error {
	return func(e training.EpochResult) error {
		for _, o := range r.observers {
			o(stage, e)
		}
		if r.recorder != nil {
			if err := r.recorder.Record(r.run, string(stage), e); err != nil {
				return errors.Wrap(err, "Fail to record history")
			}
		}
		return nil
	}
}

// 분류 디렉토리 읽기. 이진 분류만 지원한다
func scanSplits(trainDir, validationDir string) (*imagedata.Dataset, *imagedata.Dataset, error) {
	train, err := imagedata.Scan(trainDir)
	if err != nil {
		return nil, nil, err
	}
	validation, err := imagedata.Scan(validationDir)
	if err != nil {
		return nil, nil, err
	}

	if len(train.Classes) != 2 {
		return nil, nil, errors.Errorf("Binary classification needs 2 classes, %s has %d", trainDir, len(train.Classes))
	}
	if !sameClasses(train.Classes, validation.Classes) {
		return nil, nil, errors.Errorf("Classes differ: %v (train) != %v (validation)", train.Classes, validation.Classes)
	}

	return train, validation, nil
}

func sameClasses(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// 학습용(증강, 섞기, 반복)과 검증용(값 조정만, 섞기, 반복) Iterator
// 검증 단계 수가 한 바퀴보다 적을 수 있어 검증용도 매 바퀴 섞는다
func (r *Runner) streams(train, validation *imagedata.Dataset) (*imagedata.Iterator, *imagedata.Iterator, error) {
	opts := imagedata.Options{
		Width:     r.cfg.ImageWidth,
		Height:    r.cfg.ImageHeight,
		Channels:  r.cfg.Channels,
		BatchSize: r.cfg.BatchSize,
		Augment:   r.cfg.Augment,
		Shuffle:   true,
		Repeat:    true,
		Seed:      r.cfg.Seed,
		Workers:   r.cfg.Workers,
		Cache:     r.images,
	}
	trainIt, err := imagedata.NewIterator(train, opts)
	if err != nil {
		return nil, nil, err
	}

	opts.Augment = r.cfg.Augment.RescaleOnly()
	valIt, err := imagedata.NewIterator(validation, opts)
	if err != nil {
		trainIt.Close()
		return nil, nil, err
	}

	return trainIt, valIt, nil
}
