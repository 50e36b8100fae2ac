package nn

import (
	"math"

	"github.com/pkg/errors"
)

const epsilon = 1e-7

// BinaryCrossEntropy 시그모이드 출력(N x 1)에 대한 이진 교차 엔트로피
// 배치 평균 손실과 출력에 대한 기울기를 반환한다
func BinaryCrossEntropy(pred *Tensor, labels []float64) (float64, *Tensor, error) {
	n := pred.Len()
	if pred.Shape.Size() != 1 {
		return 0, nil, errors.Errorf("Binary output must have a single unit, got %s", pred.Shape)
	}
	if len(labels) != n {
		return 0, nil, errors.Errorf("The number of labels(%d) and predictions(%d) does not match", len(labels), n)
	}

	var loss float64
	grad := NewTensor(n, pred.Shape, nil)
	for i := 0; i < n; i++ {
		p := clip(pred.Data.At(i, 0))
		y := labels[i]
		loss -= y*math.Log(p) + (1-y)*math.Log(1-p)
		grad.Data.Set(i, 0, (p-y)/(p*(1-p))/float64(n))
	}

	return loss / float64(n), grad, nil
}

func clip(p float64) float64 {
	if p < epsilon {
		return epsilon
	}
	if p > 1-epsilon {
		return 1 - epsilon
	}
	return p
}

// BinaryAccuracy 0.5를 기준으로 분류한 정확도
func BinaryAccuracy(pred *Tensor, labels []float64) float64 {
	n := pred.Len()
	if n == 0 {
		return 0
	}

	correct := 0
	for i := 0; i < n; i++ {
		class := 0.
		if pred.Data.At(i, 0) > 0.5 {
			class = 1
		}
		if class == labels[i] {
			correct++
		}
	}

	return float64(correct) / float64(n)
}
