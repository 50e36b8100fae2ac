package learning

import (
	"bytes"
	"path"
	"sync/atomic"

	"github.com/harrison-roh/image-classification-from-little-data/learnapp/config"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/imagedata"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/nn"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/pipeline"
	"github.com/pkg/errors"
)

// InferLabel 추론 결과
type InferLabel struct {
	Prob  float32 `json:"prob"`
	Label string  `json:"label"`
}

// Infer 학습을 마친 모델로 이미지 분류
func (l *Learning) Infer(model string, image []byte) ([]InferLabel, error) {
	l.rwMutex.RLock()
	m := l.getModel(model)
	l.rwMutex.RUnlock()

	if m == nil {
		return nil, errors.Errorf("No such model: %s", model)
	}
	defer l.putModel(m)

	if atomic.LoadInt32(&m.status) != modelStatusReady {
		return nil, errors.Errorf("Not ready yet: %s (%s)", model, m.statusString())
	}

	return m.infer(image)
}

// 학습 설정과 미세 조정 가중치로 추론 네트워크 구성
func (m *lModel) load() error {
	if m.net != nil {
		return nil
	}

	m.mutex.Lock()
	mc := m.cfg
	m.mutex.Unlock()

	cfg, err := config.Load(path.Join(m.modelPath, learnConfigFile))
	if err != nil {
		return err
	}

	labels, err := readLabels(path.Join(m.modelPath, mc.LabelsFile))
	if err != nil {
		return errors.Wrap(err, "Fail to read labels")
	}
	if len(labels) != 2 {
		return errors.Errorf("Binary model needs 2 labels, got %d", len(labels))
	}

	net, err := pipeline.ComposedModel(cfg)
	if err != nil {
		return err
	}
	if err := nn.LoadWeights(path.Join(m.modelPath, mc.WeightsFile), net); err != nil {
		return err
	}

	m.net = net
	m.labels = labels
	m.rescale = cfg.Augment.Rescale
	m.shape = cfg.InputShape()

	return nil
}

func (m *lModel) infer(image []byte) ([]InferLabel, error) {
	// 층이 계산 버퍼를 공유하므로 추론은 한 번에 하나씩
	m.netMutex.Lock()
	defer m.netMutex.Unlock()

	if err := m.load(); err != nil {
		return nil, err
	}

	img, err := imagedata.DecodeImage(bytes.NewReader(image), m.shape.W, m.shape.H)
	if err != nil {
		return nil, errors.Wrap(err, "Fail to decode image")
	}

	pred, err := m.net.Predict(imagedata.ToTensor(img, m.shape.C, m.rescale))
	if err != nil {
		return nil, err
	}

	return m.classifyBinary(float32(pred.Sample(0)[0])), nil
}

func (m *lModel) classifyBinary(prob float32) []InferLabel {
	idx := 0
	if prob >= 0.5 {
		idx = 1
	} else {
		prob = 1 - prob
	}

	return []InferLabel{{
		Prob:  prob,
		Label: m.labels[idx],
	}}
}
