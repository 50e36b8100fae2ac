package training

// 기록 지표
const (
	MetricLoss        = "loss"
	MetricAccuracy    = "accuracy"
	MetricValLoss     = "valLoss"
	MetricValAccuracy = "valAccuracy"
)

// EpochResult epoch 하나의 학습 결과
type EpochResult struct {
	Epoch       int     `yaml:"epoch" json:"epoch"`
	Loss        float64 `yaml:"loss" json:"loss"`
	Accuracy    float64 `yaml:"accuracy" json:"accuracy"`
	ValLoss     float64 `yaml:"valLoss" json:"valLoss"`
	ValAccuracy float64 `yaml:"valAccuracy" json:"valAccuracy"`
}

// History 한 단계의 학습 기록
type History struct {
	Stage        string
	InitLoss     float64
	InitAccuracy float64
	Epochs       []EpochResult
}

// Result 모델 설정 파일에 기록하는 학습 결과
type Result struct {
	Epochs             int       `yaml:"epochs" json:"epochs"`
	InitLoss           float32   `yaml:"initLoss" json:"initLoss"`
	InitAccuracy       float32   `yaml:"initAccuracy" json:"initAccuracy"`
	TrainLoss          []float32 `yaml:"trainLoss" json:"trainLoss"`
	TrainAccuracy      []float32 `yaml:"trainAccuracy" json:"trainAccuracy"`
	ValidationLoss     []float32 `yaml:"validationLoss" json:"validationLoss"`
	ValidationAccuracy []float32 `yaml:"validationAccuracy" json:"validationAccuracy"`
}

// Result History를 Result로 변환
func (h *History) Result() Result {
	r := Result{
		Epochs:       len(h.Epochs),
		InitLoss:     float32(h.InitLoss),
		InitAccuracy: float32(h.InitAccuracy),
	}
	for _, e := range h.Epochs {
		r.TrainLoss = append(r.TrainLoss, float32(e.Loss))
		r.TrainAccuracy = append(r.TrainAccuracy, float32(e.Accuracy))
		r.ValidationLoss = append(r.ValidationLoss, float32(e.ValLoss))
		r.ValidationAccuracy = append(r.ValidationAccuracy, float32(e.ValAccuracy))
	}
	return r
}

// Last 마지막 epoch 결과
func (h *History) Last() (EpochResult, bool) {
	if len(h.Epochs) == 0 {
		return EpochResult{}, false
	}
	return h.Epochs[len(h.Epochs)-1], true
}

// Series 지표의 epoch 순서 값. 모르는 지표면 nil
func (h *History) Series(metric string) []float64 {
	switch metric {
	case MetricLoss, MetricAccuracy, MetricValLoss, MetricValAccuracy:
	default:
		return nil
	}

	values := make([]float64, 0, len(h.Epochs))
	for _, e := range h.Epochs {
		switch metric {
		case MetricLoss:
			values = append(values, e.Loss)
		case MetricAccuracy:
			values = append(values, e.Accuracy)
		case MetricValLoss:
			values = append(values, e.ValLoss)
		case MetricValAccuracy:
			values = append(values, e.ValAccuracy)
		}
	}
	return values
}
