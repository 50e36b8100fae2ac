package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Layer 네트워크를 구성하는 층
//
// Build는 입력 모양을 받아 파라미터를 초기화하고 출력 모양을 반환한다.
// 이미 같은 입력 모양으로 초기화 된 층은 파라미터를 유지한다.
// training이 true인 Forward는 Backward에 필요한 값을 기억한다.
type Layer interface {
	Name() string
	Build(in Shape, rng *rand.Rand) (Shape, error)
	OutputShape() Shape
	Forward(x *Tensor, training bool) *Tensor
	Backward(grad *Tensor) *Tensor
	Params() []*Param
}

// Param 학습 파라미터와 그 기울기
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense

	// L2 정규화 계수 (0이면 사용 안함)
	L2 float64
}

func newParam(name string, r, c int, l2 float64) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(r, c, nil),
		Grad:  mat.NewDense(r, c, nil),
		L2:    l2,
	}
}

// Count 파라미터 원소 수
func (p *Param) Count() int {
	r, c := p.Value.Dims()
	return r * c
}

type base struct {
	name   string
	in     Shape
	out    Shape
	built  bool
	params []*Param
}

func (b *base) Name() string {
	return b.name
}

func (b *base) setName(name string) {
	b.name = name
}

func (b *base) OutputShape() Shape {
	return b.out
}

func (b *base) Params() []*Param {
	return b.params
}

// 같은 입력 모양으로 이미 초기화 되었는지 여부
func (b *base) reuse(in Shape) bool {
	return b.built && b.in == in
}

type namer interface {
	setName(string)
}

// Activation 층에 포함되는 활성 함수
type Activation int

const (
	// Linear 활성 함수 없음
	Linear Activation = iota
	// ReLU max(0, x)
	ReLU
	// Sigmoid 1 / (1 + e^-x)
	Sigmoid
)

func (a Activation) String() string {
	switch a {
	case ReLU:
		return "relu"
	case Sigmoid:
		return "sigmoid"
	default:
		return "linear"
	}
}

func (a Activation) apply(z float64) float64 {
	switch a {
	case ReLU:
		if z < 0 {
			return 0
		}
		return z
	case Sigmoid:
		return 1 / (1 + math.Exp(-z))
	default:
		return z
	}
}

// 활성 함수의 미분값을 출력값으로부터 계산
func (a Activation) derivFromOutput(y float64) float64 {
	switch a {
	case ReLU:
		if y > 0 {
			return 1
		}
		return 0
	case Sigmoid:
		return y * (1 - y)
	default:
		return 1
	}
}

func activate(a Activation, m *mat.Dense) {
	if a == Linear {
		return
	}
	m.Apply(func(_, _ int, v float64) float64 {
		return a.apply(v)
	}, m)
}

// grad에 활성 함수의 미분을 곱한 새 행렬
func activationGrad(a Activation, grad, out *mat.Dense) *mat.Dense {
	r, c := grad.Dims()
	d := mat.NewDense(r, c, nil)
	if a == Linear {
		d.Copy(grad)
		return d
	}
	d.Apply(func(i, j int, v float64) float64 {
		return v * a.derivFromOutput(out.At(i, j))
	}, grad)
	return d
}

// glorot uniform 초기화
func glorotUniform(m *mat.Dense, fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, (2*rng.Float64()-1)*limit)
		}
	}
}
