package nn

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/pkg/errors"
)

// Sequential 층을 차례로 쌓은 네트워크
type Sequential struct {
	layers []Layer
	frozen int

	input  Shape
	output Shape
	built  bool
	rng    *rand.Rand
}

// NewSequential Sequential 네트워크 생성
func NewSequential(layers ...Layer) *Sequential {
	s := &Sequential{}
	for _, l := range layers {
		s.Add(l)
	}
	return s
}

// Add 층 추가. 이름이 없으면 종류와 순서로 이름을 붙인다
func (s *Sequential) Add(l Layer) {
	if l.Name() == "" {
		if n, ok := l.(namer); ok {
			n.setName(fmt.Sprintf("%s_%d", kindOf(l), len(s.layers)+1))
		}
	}
	s.layers = append(s.layers, l)
	s.built = false
}

func kindOf(l Layer) string {
	switch l.(type) {
	case *Conv2D:
		return "conv2d"
	case *MaxPool2D:
		return "max_pooling2d"
	case *Flatten:
		return "flatten"
	case *Dense:
		return "dense"
	case *Dropout:
		return "dropout"
	default:
		return "layer"
	}
}

// Build 입력 모양에 맞춰 모든 층을 초기화
// 이미 초기화 된 층(다른 네트워크에서 가져온 층 포함)은 파라미터를 유지한다
func (s *Sequential) Build(in Shape, seed int64) error {
	if !in.valid() {
		return errors.Errorf("Invalid input shape %s", in)
	}
	if len(s.layers) == 0 {
		return errors.New("Empty network")
	}

	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(seed))
	}

	names := make(map[string]bool)
	shape := in
	for _, l := range s.layers {
		if names[l.Name()] {
			return errors.Errorf("Duplicated layer name: %s", l.Name())
		}
		names[l.Name()] = true

		out, err := l.Build(shape, s.rng)
		if err != nil {
			return err
		}
		shape = out
	}

	s.input = in
	s.output = shape
	s.built = true

	return nil
}

// Layers 구성 층 목록 (다른 네트워크와 층을 공유하는 데 사용)
func (s *Sequential) Layers() []Layer {
	layers := make([]Layer, len(s.layers))
	copy(layers, s.layers)
	return layers
}

// InputShape 입력 모양
func (s *Sequential) InputShape() Shape {
	return s.input
}

// OutputShape 출력 모양
func (s *Sequential) OutputShape() Shape {
	return s.output
}

// Freeze 앞쪽 n개 층을 학습하지 않도록 고정
func (s *Sequential) Freeze(n int) error {
	if n < 0 || n > len(s.layers) {
		return errors.Errorf("Cannot freeze %d of %d layers", n, len(s.layers))
	}
	s.frozen = n
	return nil
}

// Frozen 고정 된 앞쪽 층 수
func (s *Sequential) Frozen() int {
	return s.frozen
}

// Forward 순전파
// 고정 된 층은 training이어도 추론 모드로 계산한다
func (s *Sequential) Forward(x *Tensor, training bool) (*Tensor, error) {
	if !s.built {
		return nil, errors.New("Network is not built")
	}
	if x.Shape != s.input {
		return nil, errors.Errorf("Input shape mismatch: %s != %s", x.Shape, s.input)
	}

	out := x
	for i, l := range s.layers {
		out = l.Forward(out, training && i >= s.frozen)
	}

	return out, nil
}

// Predict 추론
func (s *Sequential) Predict(x *Tensor) (*Tensor, error) {
	return s.Forward(x, false)
}

// 입력 기울기 없이 파라미터 기울기만 계산할 수 있는 층
type paramLayer interface {
	backwardParams(grad *Tensor)
}

// Backward 역전파. 고정 된 층에서 멈춘다
// 학습하는 첫 층의 입력 기울기는 쓰이지 않으므로 계산하지 않는다
func (s *Sequential) Backward(grad *Tensor) {
	g := grad
	for i := len(s.layers) - 1; i >= s.frozen; i-- {
		if pl, ok := s.layers[i].(paramLayer); ok && i == s.frozen {
			pl.backwardParams(g)
			return
		}
		g = s.layers[i].Backward(g)
	}
}

// Params 모든 파라미터
func (s *Sequential) Params() []*Param {
	var params []*Param
	for _, l := range s.layers {
		params = append(params, l.Params()...)
	}
	return params
}

// TrainableParams 고정 되지 않은 층의 파라미터
func (s *Sequential) TrainableParams() []*Param {
	var params []*Param
	for _, l := range s.layers[s.frozen:] {
		params = append(params, l.Params()...)
	}
	return params
}

// RegularizationLoss 학습 가능한 파라미터의 L2 정규화 손실
func (s *Sequential) RegularizationLoss() float64 {
	var loss float64
	for _, p := range s.TrainableParams() {
		if p.L2 == 0 {
			continue
		}
		r, c := p.Value.Dims()
		for i := 0; i < r; i++ {
			for _, v := range p.Value.RawRowView(i)[:c] {
				loss += p.L2 * v * v
			}
		}
	}
	return loss
}

// Summary 층 구성 요약
func (s *Sequential) Summary() string {
	var (
		sb        strings.Builder
		total     int
		trainable int
	)

	fmt.Fprintf(&sb, "%-24s %-16s %10s\n", "Layer", "Output Shape", "Param #")
	for i, l := range s.layers {
		count := 0
		for _, p := range l.Params() {
			count += p.Count()
		}
		total += count
		if i >= s.frozen {
			trainable += count
		}
		fmt.Fprintf(&sb, "%-24s %-16s %10d\n", l.Name(), l.OutputShape(), count)
	}
	fmt.Fprintf(&sb, "Total params: %d, trainable: %d, non-trainable: %d\n", total, trainable, total-trainable)

	return sb.String()
}
