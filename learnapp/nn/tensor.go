package nn

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Shape 샘플 하나의 모양 (height, width, channels)
type Shape struct {
	H int `yaml:"height" toml:"height"`
	W int `yaml:"width" toml:"width"`
	C int `yaml:"channels" toml:"channels"`
}

// Flat 길이 n의 1차원 모양
func Flat(n int) Shape {
	return Shape{H: 1, W: 1, C: n}
}

// Size 샘플 하나의 원소 수
func (s Shape) Size() int {
	return s.H * s.W * s.C
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d)", s.H, s.W, s.C)
}

func (s Shape) valid() bool {
	return s.H > 0 && s.W > 0 && s.C > 0
}

// Tensor 배치 단위 데이터
// Data는 N x Shape.Size() 행렬이고, 각 행은 HWC 순서로 놓인 샘플 하나
type Tensor struct {
	Shape Shape
	Data  *mat.Dense
}

// NewTensor n개 샘플의 Tensor 생성. data가 nil이면 0으로 채움
func NewTensor(n int, s Shape, data []float64) *Tensor {
	return &Tensor{
		Shape: s,
		Data:  mat.NewDense(n, s.Size(), data),
	}
}

// Len 배치 크기
func (t *Tensor) Len() int {
	r, _ := t.Data.Dims()
	return r
}

// Sample i번째 샘플의 원소 (복사하지 않음)
func (t *Tensor) Sample(i int) []float64 {
	return t.Data.RawRowView(i)
}

// Reshape 같은 데이터를 다른 모양으로 해석
func (t *Tensor) Reshape(s Shape) (*Tensor, error) {
	if s.Size() != t.Shape.Size() {
		return nil, errors.Errorf("Cannot reshape %s into %s", t.Shape, s)
	}
	return &Tensor{Shape: s, Data: t.Data}, nil
}

// Concat 같은 모양의 Tensor들을 배치 방향으로 이어붙임
func Concat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("Nothing to concatenate")
	}

	shape := ts[0].Shape
	n := 0
	for _, t := range ts {
		if t.Shape != shape {
			return nil, errors.Errorf("Shape mismatch in concat: %s != %s", t.Shape, shape)
		}
		n += t.Len()
	}

	out := NewTensor(n, shape, nil)
	row := 0
	for _, t := range ts {
		for i := 0; i < t.Len(); i++ {
			copy(out.Sample(row), t.Sample(i))
			row++
		}
	}

	return out, nil
}

// Rows indices 순서대로 샘플을 골라 새 Tensor 생성
func (t *Tensor) Rows(indices []int) *Tensor {
	out := NewTensor(len(indices), t.Shape, nil)
	for i, idx := range indices {
		copy(out.Sample(i), t.Sample(idx))
	}
	return out
}
