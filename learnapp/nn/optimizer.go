package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Optimizer 기울기로 파라미터를 갱신
type Optimizer interface {
	Step(params []*Param)
}

// 정규화 항을 더한 기울기
func regularized(p *Param) *mat.Dense {
	if p.L2 == 0 {
		return p.Grad
	}
	r, c := p.Grad.Dims()
	g := mat.NewDense(r, c, nil)
	g.Scale(2*p.L2, p.Value)
	g.Add(g, p.Grad)
	return g
}

// RMSprop 기울기 제곱의 이동 평균으로 학습률을 조정
type RMSprop struct {
	LearningRate float64
	Rho          float64
	Epsilon      float64

	acc map[*Param]*mat.Dense
}

// NewRMSprop 기본값(rho 0.9, epsilon 1e-7)의 RMSprop
func NewRMSprop(lr float64) *RMSprop {
	return &RMSprop{
		LearningRate: lr,
		Rho:          0.9,
		Epsilon:      epsilon,
		acc:          make(map[*Param]*mat.Dense),
	}
}

// Step Optimizer 구현
func (o *RMSprop) Step(params []*Param) {
	for _, p := range params {
		g := regularized(p)
		a, ok := o.acc[p]
		if !ok {
			r, c := p.Value.Dims()
			a = mat.NewDense(r, c, nil)
			o.acc[p] = a
		}

		a.Apply(func(i, j int, v float64) float64 {
			gv := g.At(i, j)
			return o.Rho*v + (1-o.Rho)*gv*gv
		}, a)
		p.Value.Apply(func(i, j int, v float64) float64 {
			return v - o.LearningRate*g.At(i, j)/(math.Sqrt(a.At(i, j))+o.Epsilon)
		}, p.Value)
	}
}

// SGD momentum을 사용하는 확률적 경사 하강법
type SGD struct {
	LearningRate float64
	Momentum     float64

	velocity map[*Param]*mat.Dense
}

// NewSGD SGD 생성
func NewSGD(lr, momentum float64) *SGD {
	return &SGD{
		LearningRate: lr,
		Momentum:     momentum,
		velocity:     make(map[*Param]*mat.Dense),
	}
}

// Step Optimizer 구현
func (o *SGD) Step(params []*Param) {
	for _, p := range params {
		g := regularized(p)
		if o.Momentum == 0 {
			p.Value.Apply(func(i, j int, v float64) float64 {
				return v - o.LearningRate*g.At(i, j)
			}, p.Value)
			continue
		}

		vt, ok := o.velocity[p]
		if !ok {
			r, c := p.Value.Dims()
			vt = mat.NewDense(r, c, nil)
			o.velocity[p] = vt
		}
		vt.Apply(func(i, j int, v float64) float64 {
			return o.Momentum*v - o.LearningRate*g.At(i, j)
		}, vt)
		p.Value.Add(p.Value, vt)
	}
}
