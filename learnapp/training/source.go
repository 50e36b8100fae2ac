package training

import (
	"math/rand"

	"github.com/harrison-roh/image-classification-from-little-data/learnapp/nn"
	"github.com/pkg/errors"
)

// BatchSource 학습/검증 배치 공급
type BatchSource interface {
	Next() (*nn.Tensor, []float64, error)
}

// ArraySource 메모리에 있는 샘플을 배치로 순회
// 끝에 도달하면 처음부터 다시 순회하고, shuffle이면 매 순회마다 순서를 섞는다
type ArraySource struct {
	x      *nn.Tensor
	labels []float64

	batchSize int
	shuffle   bool
	rng       *rand.Rand

	order []int
	pos   int
}

// NewArraySource ArraySource 생성
func NewArraySource(x *nn.Tensor, labels []float64, batchSize int, shuffle bool, seed int64) (*ArraySource, error) {
	if x.Len() == 0 {
		return nil, errors.New("No samples")
	}
	if x.Len() != len(labels) {
		return nil, errors.Errorf("The number of samples(%d) and labels(%d) does not match", x.Len(), len(labels))
	}
	if batchSize < 1 {
		return nil, errors.Errorf("Invalid batch size %d", batchSize)
	}

	s := &ArraySource{
		x:         x,
		labels:    labels,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		order:     make([]int, len(labels)),
	}
	for i := range s.order {
		s.order[i] = i
	}
	s.reset()

	return s, nil
}

func (s *ArraySource) reset() {
	s.pos = 0
	if s.shuffle {
		s.rng.Shuffle(len(s.order), func(i, j int) {
			s.order[i], s.order[j] = s.order[j], s.order[i]
		})
	}
}

// StepsPerPass 한 번 순회하는 배치 수
func (s *ArraySource) StepsPerPass() int {
	return (len(s.order) + s.batchSize - 1) / s.batchSize
}

// Next BatchSource 구현
func (s *ArraySource) Next() (*nn.Tensor, []float64, error) {
	if s.pos >= len(s.order) {
		s.reset()
	}

	end := s.pos + s.batchSize
	if end > len(s.order) {
		end = len(s.order)
	}
	indices := s.order[s.pos:end]
	s.pos = end

	labels := make([]float64, len(indices))
	for i, idx := range indices {
		labels[i] = s.labels[idx]
	}

	return s.x.Rows(indices), labels, nil
}
