package nn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// MaxPool2D size x size 최대값 풀링 (stride = size, 나머지는 버림)
type MaxPool2D struct {
	base

	Size int

	argmax []int // 출력 원소마다 선택된 입력 원소의 위치
}

// NewMaxPool2D MaxPool2D 층 생성
func NewMaxPool2D(name string, size int) *MaxPool2D {
	p := &MaxPool2D{Size: size}
	p.name = name
	return p
}

// Build Layer 구현
func (p *MaxPool2D) Build(in Shape, _ *rand.Rand) (Shape, error) {
	if p.reuse(in) {
		return p.out, nil
	}
	if p.Size < 1 {
		return Shape{}, errors.Errorf("%s: invalid pool size %d", p.name, p.Size)
	}

	out := Shape{H: in.H / p.Size, W: in.W / p.Size, C: in.C}
	if !out.valid() {
		return Shape{}, errors.Errorf("%s: input %s is too small for pool %d", p.name, in, p.Size)
	}

	p.in = in
	p.out = out
	p.built = true

	return p.out, nil
}

// Forward Layer 구현
func (p *MaxPool2D) Forward(x *Tensor, training bool) *Tensor {
	n := x.Len()
	out := NewTensor(n, p.out, nil)
	size := p.out.Size()

	var argmax []int
	if training {
		argmax = make([]int, n*size)
	}

	for i := 0; i < n; i++ {
		src := x.Sample(i)
		dst := out.Sample(i)
		for oy := 0; oy < p.out.H; oy++ {
			for ox := 0; ox < p.out.W; ox++ {
				for ch := 0; ch < p.out.C; ch++ {
					best, bestIdx := math.Inf(-1), -1
					for dy := 0; dy < p.Size; dy++ {
						for dx := 0; dx < p.Size; dx++ {
							idx := ((oy*p.Size+dy)*p.in.W+ox*p.Size+dx)*p.in.C + ch
							if src[idx] > best {
								best, bestIdx = src[idx], idx
							}
						}
					}
					o := (oy*p.out.W+ox)*p.out.C + ch
					dst[o] = best
					if training {
						argmax[i*size+o] = bestIdx
					}
				}
			}
		}
	}

	if training {
		p.argmax = argmax
	}

	return out
}

// Backward Layer 구현
func (p *MaxPool2D) Backward(grad *Tensor) *Tensor {
	n := grad.Len()
	next := NewTensor(n, p.in, nil)
	size := p.out.Size()

	for i := 0; i < n; i++ {
		g := grad.Sample(i)
		dst := next.Sample(i)
		for o, v := range g {
			dst[p.argmax[i*size+o]] += v
		}
	}

	return next
}

// Flatten 공간 차원을 1차원으로 펼침 (데이터는 그대로)
type Flatten struct {
	base
}

// NewFlatten Flatten 층 생성
func NewFlatten(name string) *Flatten {
	f := &Flatten{}
	f.name = name
	return f
}

// Build Layer 구현
func (f *Flatten) Build(in Shape, _ *rand.Rand) (Shape, error) {
	f.in = in
	f.out = Flat(in.Size())
	f.built = true
	return f.out, nil
}

// Forward Layer 구현
func (f *Flatten) Forward(x *Tensor, _ bool) *Tensor {
	return &Tensor{Shape: f.out, Data: x.Data}
}

// Backward Layer 구현
func (f *Flatten) Backward(grad *Tensor) *Tensor {
	return &Tensor{Shape: f.in, Data: grad.Data}
}

// Dropout 학습 중에만 rate 비율의 원소를 0으로 만드는 층
// 남은 원소는 1/(1-rate)배 하여 추론 시와 기대값을 맞춘다.
type Dropout struct {
	base

	Rate float64

	rng  *rand.Rand
	mask []float64
}

// NewDropout Dropout 층 생성
func NewDropout(name string, rate float64) *Dropout {
	d := &Dropout{Rate: rate}
	d.name = name
	return d
}

// Build Layer 구현
func (d *Dropout) Build(in Shape, rng *rand.Rand) (Shape, error) {
	if d.Rate < 0 || d.Rate >= 1 {
		return Shape{}, errors.Errorf("%s: rate must be in [0, 1) (%g)", d.name, d.Rate)
	}
	if d.rng == nil {
		d.rng = rng
	}
	d.in = in
	d.out = in
	d.built = true
	return d.out, nil
}

// Forward Layer 구현
func (d *Dropout) Forward(x *Tensor, training bool) *Tensor {
	if !training || d.Rate == 0 {
		return x
	}

	n := x.Len()
	size := d.in.Size()
	out := NewTensor(n, d.out, nil)
	d.mask = make([]float64, n*size)
	scale := 1 / (1 - d.Rate)

	for i := 0; i < n; i++ {
		src := x.Sample(i)
		dst := out.Sample(i)
		for j, v := range src {
			if d.rng.Float64() >= d.Rate {
				d.mask[i*size+j] = scale
				dst[j] = v * scale
			}
		}
	}

	return out
}

// Backward Layer 구현
func (d *Dropout) Backward(grad *Tensor) *Tensor {
	if d.mask == nil {
		return grad
	}

	n := grad.Len()
	size := d.in.Size()
	next := NewTensor(n, d.in, nil)
	for i := 0; i < n; i++ {
		src := grad.Sample(i)
		dst := next.Sample(i)
		for j, v := range src {
			dst[j] = v * d.mask[i*size+j]
		}
	}

	return next
}
