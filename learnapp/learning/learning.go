package learning

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/config"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/constants"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/imagedata"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/pipeline"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/training"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	binaryClass = "binary"
	modelType   = "learnapp"

	modelConfigFile = "config.yaml"
	learnConfigFile = "learn.yaml"
	labelsFile      = "labels.txt"
)

// Config 학습 모델 관리 설정정보
type Config struct {
	ModelsPath string
	// 요청마다 덮어쓰는 기본 학습 설정
	Base config.Config
	// 학습이 끝나면 PUT /models/:model로 알릴 분류 서비스 (비어 있으면 알리지 않음)
	NotifyHost string

	Recorder pipeline.Recorder
	Logger   log.FieldLogger
}

// HistoryStore epoch 기록을 모델별로 조회하고 지울 수 있는 Recorder
type HistoryStore interface {
	pipeline.Recorder
	Histories(run string) (map[string]*training.History, error)
	Forget(run string) error
}

// Learning 학습 모델 관리
// 학습은 작업자 하나가 요청 순서대로 실행한다
type Learning struct {
	models     map[string]*lModel
	rwMutex    sync.RWMutex
	modelsPath string

	base       config.Config
	notifyHost string
	recorder   pipeline.Recorder
	logger     log.FieldLogger

	pool   *workerpool.WorkerPool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type modelConfig struct {
	Name           string          `yaml:"name"`
	Type           string          `yaml:"type"`
	Classification string          `yaml:"classification"`
	InputShape     []int32         `yaml:"inputShape"`
	LabelsFile     string          `yaml:"labelsFile"`
	WeightsFile    string          `yaml:"weightsFile"`
	TrainingResult training.Result `yaml:"trainingResult"`
	Description    string          `yaml:"description"`
}

// CreateRequest 모델 생성 요청
type CreateRequest struct {
	// Image root path for training
	ImagePath string `json:"imagePath"`

	// Model meta information
	ModelPath   string `json:"modelPath"`
	ConfigFile  string `json:"configFile"`
	Description string `json:"desc"`

	Epochs int `json:"epochs"`

	Trial bool `json:"trial"`
}

// CreateResponse 모델 생성 응답
type CreateResponse struct {
	ModelPath string `json:"modelPath" binding:"required"`
}

// New 새로운 Learning 생성
func New(cfg Config) (*Learning, error) {
	if cfg.ModelsPath == "" {
		cfg.ModelsPath = constants.ModelsPath
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if err := os.MkdirAll(cfg.ModelsPath, os.ModePerm); err != nil {
		return nil, errors.Wrapf(err, "Fail to create models path %s", cfg.ModelsPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Learning{
		models:     make(map[string]*lModel),
		modelsPath: cfg.ModelsPath,
		base:       cfg.Base,
		notifyHost: cfg.NotifyHost,
		recorder:   cfg.Recorder,
		logger:     cfg.Logger,
		pool:       workerpool.New(1),
		ctx:        ctx,
		cancel:     cancel,
	}

	if err := l.loadModels(); err != nil {
		cancel()
		l.pool.Stop()
		return nil, err
	}

	return l, nil
}

// 이전에 학습을 마친 모델 등록
func (l *Learning) loadModels() error {
	dirs, err := ioutil.ReadDir(l.modelsPath)
	if err != nil {
		return err
	}

	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		modelPath := path.Join(l.modelsPath, dir.Name())

		m, err := loadModel(modelPath)
		if err != nil {
			l.logger.Printf("Skip model(%s): %s", modelPath, err)
			continue
		}
		if err := l.addModel(m); err != nil {
			l.logger.Print(err)
			continue
		}
		l.logger.Printf("Model successfully loaded: %s", m.name)
	}

	return nil
}

func loadModel(modelPath string) (*lModel, error) {
	b, err := ioutil.ReadFile(path.Join(modelPath, modelConfigFile))
	if err != nil {
		return nil, err
	}

	var mc modelConfig
	if err := yaml.Unmarshal(b, &mc); err != nil {
		return nil, err
	}
	if mc.Name == "" {
		return nil, errors.New("Empty model name")
	}

	m := newModel(mc.Name, modelPath)
	m.cfg = mc
	m.status = modelStatusReady

	return m, nil
}

func (l *Learning) addModel(newM *lModel) error {
	if newM.name == "" {
		return errors.New("Empty model name")
	}

	for model, m := range l.models {
		if model == newM.name || m.name == newM.name {
			return errors.Errorf("Duplicated model: %s", newM.name)
		} else if m.modelPath == newM.modelPath {
			return errors.Errorf("Duplicated model path: %s", newM.modelPath)
		}
	}

	l.models[newM.name] = newM
	return nil
}

func (l *Learning) getModel(model string) *lModel {
	if m, ok := l.models[model]; ok {
		atomic.AddInt32(&m.refCount, 1)
		return m
	}

	return nil
}

func (l *Learning) putModel(m *lModel) {
	atomic.AddInt32(&m.refCount, -1)
}

// 요청에 맞게 기본 설정을 바꾼 학습 설정
func (l *Learning) learnConfig(modelPath string, req CreateRequest) (config.Config, error) {
	cfg := l.base
	if req.ImagePath != "" {
		cfg.TrainDir = path.Join(req.ImagePath, "train")
		cfg.ValidationDir = path.Join(req.ImagePath, "validation")
	}
	cfg.OutputDir = modelPath
	if req.Epochs > 0 {
		cfg.Epochs = req.Epochs
	}
	if req.Trial {
		cfg.Epochs = 1
	}

	return cfg, cfg.Validate()
}

// CreateModel 모델 학습 요청. 학습은 큐에 넣고 바로 반환한다
func (l *Learning) CreateModel(model string, req CreateRequest) (map[string]interface{}, error) {
	if model == "" {
		return nil, errors.New("Empty model name")
	}

	modelPath := req.ModelPath
	if modelPath == "" {
		modelDir := fmt.Sprintf("%s-%s", model, uuid.New().String()[:8])
		modelPath = path.Join(l.modelsPath, modelDir)
	}
	configFile := req.ConfigFile
	if configFile == "" {
		configFile = path.Join(modelPath, modelConfigFile)
	}

	cfg, err := l.learnConfig(modelPath, req)
	if err != nil {
		return nil, err
	}

	m := newModel(model, modelPath)
	m.configFile = configFile
	m.cfg.Description = req.Description
	m.status = modelStatusBuild

	l.rwMutex.Lock()
	// 학습 전 슬롯 선점
	if err := l.addModel(m); err != nil {
		l.rwMutex.Unlock()
		return nil, err
	}
	l.rwMutex.Unlock()
	status := m.statusString()

	l.wg.Add(1)
	l.pool.Submit(func() {
		defer l.wg.Done()
		l.learn(m, cfg)
	})

	return map[string]interface{}{
		"model":     model,
		"modelPath": modelPath,
		"epochs":    cfg.Epochs,
		"status":    status,
	}, nil
}

func (l *Learning) learn(m *lModel, cfg config.Config) {
	logger := l.logger.WithField("model", m.name)
	atomic.StoreInt32(&m.status, modelStatusRun)

	err := l.runPipeline(m, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Fail to learn model")
		m.fail(err)
		return
	}

	atomic.StoreInt32(&m.status, modelStatusReady)
	logger.Info("Model successfully learned")

	if l.notifyHost != "" {
		if err := l.notify(m); err != nil {
			logger.WithError(err).Warn("Fail to notify")
		}
	}
}

func (l *Learning) runPipeline(m *lModel, cfg config.Config, logger log.FieldLogger) error {
	if err := os.MkdirAll(m.modelPath, os.ModePerm); err != nil {
		return err
	}

	opts := []pipeline.Option{
		pipeline.WithRunID(runID(m)),
		pipeline.WithLogger(logger),
		pipeline.WithObserver(m.progress),
	}
	if l.recorder != nil {
		opts = append(opts, pipeline.WithRecorder(l.recorder))
	}

	r, err := pipeline.New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := r.RunAll(l.ctx); err != nil {
		return err
	}

	results, err := r.Results()
	if err != nil {
		return err
	}
	fineTuned := results.Stages[pipeline.StageFineTune]

	ds, err := imagedata.Scan(cfg.TrainDir)
	if err != nil {
		return err
	}
	if err := writeLabels(path.Join(m.modelPath, labelsFile), ds.Classes); err != nil {
		return err
	}

	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := ioutil.WriteFile(path.Join(m.modelPath, learnConfigFile), b, 0644); err != nil {
		return err
	}

	mc := modelConfig{
		Name:           m.name,
		Type:           modelType,
		Classification: binaryClass,
		InputShape:     []int32{int32(cfg.ImageHeight), int32(cfg.ImageWidth), int32(cfg.Channels)},
		LabelsFile:     labelsFile,
		WeightsFile:    path.Base(fineTuned.WeightsFile),
		TrainingResult: fineTuned.TrainingResult,
		Description:    m.description(),
	}
	if b, err = yaml.Marshal(mc); err != nil {
		return err
	}
	if err := ioutil.WriteFile(m.configFile, b, 0644); err != nil {
		return err
	}

	m.setConfig(mc)

	return nil
}

// 모델 디렉토리 이름을 학습 실행 ID로 사용
func runID(m *lModel) string {
	return path.Base(m.modelPath)
}

func writeLabels(file string, labels []string) error {
	return ioutil.WriteFile(file, []byte(strings.Join(labels, "\n")+"\n"), 0644)
}

func readLabels(file string) ([]string, error) {
	fp, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	var labels []string
	scanner := bufio.NewScanner(fp)
	for scanner.Scan() {
		if label := scanner.Text(); label != "" {
			labels = append(labels, label)
		}
	}

	return labels, scanner.Err()
}

// 분류 서비스에 학습이 끝난 모델 등록 요청
func (l *Learning) notify(m *lModel) error {
	j, _ := json.Marshal(CreateResponse{ModelPath: m.modelPath})

	url := fmt.Sprintf("http://%s/models/%s", l.notifyHost, m.name)
	req, err := http.NewRequestWithContext(l.ctx, http.MethodPut, url, bytes.NewBuffer(j))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return errors.Errorf("Unexpected status from %s: %s", l.notifyHost, res.Status)
	}

	return nil
}

// DeleteModel 모델 삭제. 학습 중이거나 사용 중인 모델은 삭제할 수 없다
func (l *Learning) DeleteModel(model string) error {
	l.rwMutex.Lock()
	defer l.rwMutex.Unlock()

	m, ok := l.models[model]
	if !ok {
		return errors.Errorf("No such model: %s", model)
	}

	switch atomic.LoadInt32(&m.status) {
	case modelStatusBuild, modelStatusRun:
		return errors.Errorf("Currently learning: %s", m.name)
	}
	if n := atomic.LoadInt32(&m.refCount); n > 0 {
		return errors.Errorf("Currently in use: %s (%d)", m.name, n)
	}

	if err := os.RemoveAll(m.modelPath); err != nil {
		return err
	}

	if store, ok := l.recorder.(HistoryStore); ok {
		if err := store.Forget(runID(m)); err != nil {
			l.logger.WithField("model", m.name).WithError(err).Warn("Fail to forget history")
		}
	}

	delete(l.models, m.name)

	return nil
}

// GetModels 모델 목록 반환
func (l *Learning) GetModels() []string {
	l.rwMutex.RLock()
	defer l.rwMutex.RUnlock()

	models := make([]string, 0, len(l.models))
	for model := range l.models {
		models = append(models, model)
	}
	sort.Strings(models)

	return models
}

// GetModel 모델 정보 반환
func (l *Learning) GetModel(model string, verbose bool) map[string]interface{} {
	l.rwMutex.RLock()
	m := l.getModel(model)
	l.rwMutex.RUnlock()

	if m == nil {
		return nil
	}
	defer l.putModel(m)

	info := m.info(verbose)
	if store, ok := l.recorder.(HistoryStore); ok && verbose {
		if histories, err := store.Histories(runID(m)); err != nil {
			l.logger.WithField("model", m.name).WithError(err).Warn("Fail to read history")
		} else {
			history := make(map[string][]training.EpochResult, len(histories))
			for stage, h := range histories {
				history[stage] = h.Epochs
			}
			info["history"] = history
		}
	}

	return info
}

// Wait 큐에 있는 학습이 모두 끝날 때까지 대기
func (l *Learning) Wait() {
	l.wg.Wait()
}

// Destroy 진행 중인 학습을 취소하고 정리
func (l *Learning) Destroy() {
	l.cancel()
	l.pool.StopWait()
}
