package imagedata

import (
	"image"
	"math"
	"math/rand"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Augment 이미지 변환 설정
// Rescale은 항상 적용하고, 나머지 변환은 학습 데이터에만 무작위로 적용한다
type Augment struct {
	Rescale        float64 `yaml:"rescale" toml:"rescale"`
	ShearRange     float64 `yaml:"shearRange" toml:"shear_range"` // radian
	ZoomRange      float64 `yaml:"zoomRange" toml:"zoom_range"`
	HorizontalFlip bool    `yaml:"horizontalFlip" toml:"horizontal_flip"`
}

// RescaleOnly 값 조정만 하는 설정
func (a Augment) RescaleOnly() Augment {
	return Augment{Rescale: a.Rescale}
}

// Enabled 무작위 변환이 하나라도 있는지 여부
func (a Augment) Enabled() bool {
	return a.ShearRange > 0 || a.ZoomRange > 0 || a.HorizontalFlip
}

type transform struct {
	shear  float64
	zoomX  float64
	zoomY  float64
	flip   bool
	active bool
}

// 이미지 하나에 적용할 무작위 변환 선택
func (a Augment) random(rng *rand.Rand) transform {
	t := transform{zoomX: 1, zoomY: 1}
	if !a.Enabled() {
		return t
	}

	t.active = true
	if a.ShearRange > 0 {
		t.shear = (2*rng.Float64() - 1) * a.ShearRange
	}
	if a.ZoomRange > 0 {
		t.zoomX = 1 - a.ZoomRange + 2*a.ZoomRange*rng.Float64()
		t.zoomY = 1 - a.ZoomRange + 2*a.ZoomRange*rng.Float64()
	}
	if a.HorizontalFlip {
		t.flip = rng.Intn(2) == 1
	}

	return t
}

// 3x3 affine 행렬 곱 (마지막 행은 0 0 1)
func mulAff(a, b f64.Aff3) f64.Aff3 {
	return f64.Aff3{
		a[0]*b[0] + a[1]*b[3], a[0]*b[1] + a[1]*b[4], a[0]*b[2] + a[1]*b[5] + a[2],
		a[3]*b[0] + a[4]*b[3], a[3]*b[1] + a[4]*b[4], a[3]*b[2] + a[4]*b[5] + a[5],
	}
}

func invAff(m f64.Aff3) f64.Aff3 {
	det := m[0]*m[4] - m[1]*m[3]
	return f64.Aff3{
		m[4] / det, -m[1] / det, (m[1]*m[5] - m[4]*m[2]) / det,
		-m[3] / det, m[0] / det, (m[3]*m[2] - m[0]*m[5]) / det,
	}
}

// 출력 좌표를 입력 좌표로 보내는 행렬 (이미지 중심 기준)
func (t transform) dstToSrc(w, h float64) f64.Aff3 {
	cx, cy := w/2, h/2
	toCenter := f64.Aff3{1, 0, -cx, 0, 1, -cy}
	fromCenter := f64.Aff3{1, 0, cx, 0, 1, cy}
	shear := f64.Aff3{1, -math.Sin(t.shear), 0, 0, math.Cos(t.shear), 0}
	zoom := f64.Aff3{t.zoomX, 0, 0, 0, t.zoomY, 0}

	m := mulAff(fromCenter, mulAff(shear, mulAff(zoom, toCenter)))
	if t.flip {
		m = mulAff(m, f64.Aff3{-1, 0, w, 0, 1, 0})
	}
	return m
}

// apply 변환한 새 이미지. 원본 밖의 영역은 0으로 채운다
func (t transform) apply(src *image.RGBA) *image.RGBA {
	if !t.active {
		return src
	}

	b := src.Bounds()
	dst := image.NewRGBA(b)
	s2d := invAff(t.dstToSrc(float64(b.Dx()), float64(b.Dy())))
	draw.BiLinear.Transform(dst, s2d, src, b, draw.Src, nil)

	return dst
}
