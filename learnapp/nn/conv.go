package nn

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Padding 합성곱 경계 처리 방식
type Padding int

const (
	// Valid 경계 밖은 계산하지 않음
	Valid Padding = iota
	// Same 출력 크기가 입력과 같도록 0으로 채움
	Same
)

// Conv2D 2차원 합성곱 층 (stride 1)
//
// 샘플마다 입력을 (outH*outW) x (k*k*C) 패치 행렬로 펼친 뒤
// (k*k*C) x filters 커널과 곱한다.
type Conv2D struct {
	base

	Filters    int
	Kernel     int
	Padding    Padding
	Activation Activation

	kernel *Param // k*k*C x filters
	bias   *Param // 1 x filters

	pad int

	lastInput  *Tensor
	lastOutput *mat.Dense
	patches    *mat.Dense
}

// NewConv2D Conv2D 층 생성
func NewConv2D(name string, filters, kernel int, padding Padding, act Activation) *Conv2D {
	c := &Conv2D{
		Filters:    filters,
		Kernel:     kernel,
		Padding:    padding,
		Activation: act,
	}
	c.name = name
	return c
}

// Build Layer 구현
func (c *Conv2D) Build(in Shape, rng *rand.Rand) (Shape, error) {
	if c.reuse(in) {
		return c.out, nil
	}
	if c.Filters < 1 || c.Kernel < 1 {
		return Shape{}, errors.Errorf("%s: invalid filters(%d) or kernel(%d)", c.name, c.Filters, c.Kernel)
	}

	out := Shape{C: c.Filters}
	switch c.Padding {
	case Same:
		if c.Kernel%2 == 0 {
			return Shape{}, errors.Errorf("%s: same padding needs an odd kernel (%d)", c.name, c.Kernel)
		}
		c.pad = c.Kernel / 2
		out.H, out.W = in.H, in.W
	default:
		c.pad = 0
		out.H, out.W = in.H-c.Kernel+1, in.W-c.Kernel+1
	}
	if !out.valid() {
		return Shape{}, errors.Errorf("%s: input %s is too small for kernel %d", c.name, in, c.Kernel)
	}

	fanIn := c.Kernel * c.Kernel * in.C
	c.kernel = newParam("kernel", fanIn, c.Filters, 0)
	c.bias = newParam("bias", 1, c.Filters, 0)
	glorotUniform(c.kernel.Value, fanIn, c.Kernel*c.Kernel*c.Filters, rng)

	c.in = in
	c.out = out
	c.params = []*Param{c.kernel, c.bias}
	c.patches = nil
	c.built = true

	return c.out, nil
}

func (c *Conv2D) patchBuffer() *mat.Dense {
	if c.patches == nil {
		c.patches = mat.NewDense(c.out.H*c.out.W, c.Kernel*c.Kernel*c.in.C, nil)
	}
	return c.patches
}

// im2col
func (c *Conv2D) toPatches(sample []float64, p *mat.Dense) {
	k, ch := c.Kernel, c.in.C
	for oy := 0; oy < c.out.H; oy++ {
		for ox := 0; ox < c.out.W; ox++ {
			row := p.RawRowView(oy*c.out.W + ox)
			for ky := 0; ky < k; ky++ {
				iy := oy + ky - c.pad
				for kx := 0; kx < k; kx++ {
					ix := ox + kx - c.pad
					dst := row[(ky*k+kx)*ch : (ky*k+kx+1)*ch]
					if iy < 0 || iy >= c.in.H || ix < 0 || ix >= c.in.W {
						for i := range dst {
							dst[i] = 0
						}
						continue
					}
					copy(dst, sample[(iy*c.in.W+ix)*ch:(iy*c.in.W+ix+1)*ch])
				}
			}
		}
	}
}

// col2im, 겹치는 위치의 기울기는 더함
func (c *Conv2D) fromPatches(p *mat.Dense, sample []float64) {
	k, ch := c.Kernel, c.in.C
	for i := range sample {
		sample[i] = 0
	}
	for oy := 0; oy < c.out.H; oy++ {
		for ox := 0; ox < c.out.W; ox++ {
			row := p.RawRowView(oy*c.out.W + ox)
			for ky := 0; ky < k; ky++ {
				iy := oy + ky - c.pad
				if iy < 0 || iy >= c.in.H {
					continue
				}
				for kx := 0; kx < k; kx++ {
					ix := ox + kx - c.pad
					if ix < 0 || ix >= c.in.W {
						continue
					}
					src := row[(ky*k+kx)*ch : (ky*k+kx+1)*ch]
					dst := sample[(iy*c.in.W+ix)*ch : (iy*c.in.W+ix+1)*ch]
					for i, v := range src {
						dst[i] += v
					}
				}
			}
		}
	}
}

// Forward Layer 구현
func (c *Conv2D) Forward(x *Tensor, training bool) *Tensor {
	n := x.Len()
	out := NewTensor(n, c.out, nil)
	p := c.patchBuffer()
	b := c.bias.Value.RawRowView(0)
	positions := c.out.H * c.out.W

	for i := 0; i < n; i++ {
		c.toPatches(x.Sample(i), p)
		u := mat.NewDense(positions, c.Filters, out.Sample(i))
		u.Mul(p, c.kernel.Value)
		for r := 0; r < positions; r++ {
			row := u.RawRowView(r)
			for f := range row {
				row[f] += b[f]
			}
		}
	}
	activate(c.Activation, out.Data)

	if training {
		c.lastInput = x
		c.lastOutput = out.Data
	}

	return out
}

// Backward Layer 구현
func (c *Conv2D) Backward(grad *Tensor) *Tensor {
	return c.backward(grad, true)
}

func (c *Conv2D) backwardParams(grad *Tensor) {
	c.backward(grad, false)
}

// input이 false면 입력 기울기(col2im)는 계산하지 않고 nil 반환
func (c *Conv2D) backward(grad *Tensor, input bool) *Tensor {
	n := grad.Len()
	delta := activationGrad(c.Activation, grad.Data, c.lastOutput)
	positions := c.out.H * c.out.W

	kr, kc := c.kernel.Grad.Dims()
	c.kernel.Grad.Zero()
	gb := c.bias.Grad.RawRowView(0)
	for f := range gb {
		gb[f] = 0
	}

	p := c.patchBuffer()
	dW := mat.NewDense(kr, kc, nil)
	var (
		dP   *mat.Dense
		next *Tensor
	)
	if input {
		dP = mat.NewDense(positions, kr, nil)
		next = NewTensor(n, c.in, nil)
	}

	for i := 0; i < n; i++ {
		d := mat.NewDense(positions, c.Filters, delta.RawRowView(i))

		c.toPatches(c.lastInput.Sample(i), p)
		dW.Mul(p.T(), d)
		c.kernel.Grad.Add(c.kernel.Grad, dW)

		for r := 0; r < positions; r++ {
			for f, v := range d.RawRowView(r) {
				gb[f] += v
			}
		}

		if input {
			dP.Mul(d, c.kernel.Value.T())
			c.fromPatches(dP, next.Sample(i))
		}
	}

	return next
}
