package nn

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Dense 완전 연결 층
type Dense struct {
	base

	Units      int
	Activation Activation
	L2         float64

	kernel *Param // in x units
	bias   *Param // 1 x units

	lastInput  *mat.Dense
	lastOutput *mat.Dense
}

// NewDense Dense 층 생성
func NewDense(name string, units int, act Activation) *Dense {
	d := &Dense{
		Units:      units,
		Activation: act,
	}
	d.name = name
	return d
}

// WithL2 kernel에 L2 정규화 적용
func (d *Dense) WithL2(l2 float64) *Dense {
	d.L2 = l2
	if d.kernel != nil {
		d.kernel.L2 = l2
	}
	return d
}

// Build Layer 구현
func (d *Dense) Build(in Shape, rng *rand.Rand) (Shape, error) {
	if d.reuse(in) {
		return d.out, nil
	}
	if in.H != 1 || in.W != 1 {
		return Shape{}, errors.Errorf("%s: dense input must be flat, got %s", d.name, in)
	}
	if d.Units < 1 {
		return Shape{}, errors.Errorf("%s: units must be positive (%d)", d.name, d.Units)
	}

	d.kernel = newParam("kernel", in.C, d.Units, d.L2)
	d.bias = newParam("bias", 1, d.Units, 0)
	glorotUniform(d.kernel.Value, in.C, d.Units, rng)

	d.in = in
	d.out = Flat(d.Units)
	d.params = []*Param{d.kernel, d.bias}
	d.built = true

	return d.out, nil
}

// Forward Layer 구현
func (d *Dense) Forward(x *Tensor, training bool) *Tensor {
	n := x.Len()

	u := mat.NewDense(n, d.Units, nil)
	u.Mul(x.Data, d.kernel.Value)
	b := d.bias.Value.RawRowView(0)
	for i := 0; i < n; i++ {
		row := u.RawRowView(i)
		for j := range row {
			row[j] += b[j]
		}
	}
	activate(d.Activation, u)

	if training {
		d.lastInput = x.Data
		d.lastOutput = u
	}

	return &Tensor{Shape: d.out, Data: u}
}

// Backward Layer 구현
func (d *Dense) Backward(grad *Tensor) *Tensor {
	delta := d.paramGrads(grad)

	n, _ := delta.Dims()
	next := mat.NewDense(n, d.in.C, nil)
	next.Mul(delta, d.kernel.Value.T())

	return &Tensor{Shape: d.in, Data: next}
}

func (d *Dense) backwardParams(grad *Tensor) {
	d.paramGrads(grad)
}

// 파라미터 기울기를 계산하고 활성화 함수를 거친 기울기 반환
func (d *Dense) paramGrads(grad *Tensor) *mat.Dense {
	delta := activationGrad(d.Activation, grad.Data, d.lastOutput)

	d.kernel.Grad.Mul(d.lastInput.T(), delta)

	n, _ := delta.Dims()
	gb := d.bias.Grad.RawRowView(0)
	for j := range gb {
		gb[j] = 0
	}
	for i := 0; i < n; i++ {
		for j, v := range delta.RawRowView(i) {
			gb[j] += v
		}
	}

	return delta
}
