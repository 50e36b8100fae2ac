package learning

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/harrison-roh/image-classification-from-little-data/learnapp/nn"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/pipeline"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/training"
)

const (
	modelStatusReady = iota
	modelStatusBuild
	modelStatusRun
	modelStatusFail
)

// 학습 모델
type lModel struct {
	name       string
	modelPath  string
	configFile string
	status     int32
	refCount   int32

	mutex    sync.Mutex
	cfg      modelConfig
	stage    pipeline.Stage
	epoch    int
	last     training.EpochResult
	err      string
	updateAt time.Time

	// 추론용 네트워크 (처음 추론할 때 읽음)
	netMutex sync.Mutex
	net      *nn.Sequential
	labels   []string
	rescale  float64
	shape    nn.Shape
}

func newModel(name, modelPath string) *lModel {
	return &lModel{
		name:      name,
		modelPath: modelPath,
		updateAt:  time.Now(),
	}
}

func (m *lModel) statusString() string {
	switch atomic.LoadInt32(&m.status) {
	case modelStatusReady:
		return "ready"
	case modelStatusBuild:
		return "build"
	case modelStatusRun:
		return "run"
	case modelStatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// pipeline.Observer
func (m *lModel) progress(stage pipeline.Stage, r training.EpochResult) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.stage = stage
	m.epoch = r.Epoch
	m.last = r
	m.updateAt = time.Now()
}

func (m *lModel) fail(err error) {
	m.mutex.Lock()
	m.err = err.Error()
	m.updateAt = time.Now()
	m.mutex.Unlock()

	atomic.StoreInt32(&m.status, modelStatusFail)
}

func (m *lModel) setConfig(mc modelConfig) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.cfg = mc
	m.updateAt = time.Now()
}

func (m *lModel) description() string {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.cfg.Description
}

func (m *lModel) info(verbose bool) map[string]interface{} {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	info := map[string]interface{}{
		"model":          m.name,
		"modelPath":      m.modelPath,
		"refCount":       atomic.LoadInt32(&m.refCount),
		"type":           m.cfg.Type,
		"classification": m.cfg.Classification,
		"inputShape":     m.cfg.InputShape,
		"description":    m.cfg.Description,
		"status":         m.statusString(),
		"updateAt":       m.updateAt.Format(time.RFC3339),
	}

	if m.stage != "" {
		info["progress"] = map[string]interface{}{
			"stage":       m.stage,
			"epoch":       m.epoch,
			"loss":        m.last.Loss,
			"accuracy":    m.last.Accuracy,
			"valLoss":     m.last.ValLoss,
			"valAccuracy": m.last.ValAccuracy,
		}
	}
	if m.err != "" {
		info["error"] = m.err
	}

	if verbose {
		info["trainingResult"] = map[string]interface{}{
			"epochs":             m.cfg.TrainingResult.Epochs,
			"initLoss":           m.cfg.TrainingResult.InitLoss,
			"initAccuracy":       m.cfg.TrainingResult.InitAccuracy,
			"trainLoss":          m.cfg.TrainingResult.TrainLoss,
			"trainAccuracy":      m.cfg.TrainingResult.TrainAccuracy,
			"validationLoss":     m.cfg.TrainingResult.ValidationLoss,
			"validationAccuracy": m.cfg.TrainingResult.ValidationAccuracy,
		}
	}

	return info
}
