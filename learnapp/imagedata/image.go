package imagedata

import (
	"image"
	_ "image/gif"  // gif 디코더 등록
	_ "image/jpeg" // jpeg 디코더 등록
	_ "image/png"  // png 디코더 등록
	"io"
	"os"

	"github.com/harrison-roh/image-classification-from-little-data/learnapp/nn"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// LoadImage 이미지를 읽어 width x height 크기로 조정
func LoadImage(path string, width, height int) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Fail to open image %s", path)
	}
	defer f.Close()

	img, err := DecodeImage(f, width, height)
	if err != nil {
		return nil, errors.Wrapf(err, "Fail to decode image %s", path)
	}

	return img, nil
}

// DecodeImage r의 이미지를 width x height 크기로 조정
func DecodeImage(r io.Reader, width, height int) (*image.RGBA, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	return dst, nil
}

// ToTensor 이미지 하나를 값 조정한 Tensor로 변환
func ToTensor(img *image.RGBA, channels int, rescale float64) *nn.Tensor {
	b := img.Bounds()
	t := nn.NewTensor(1, nn.Shape{H: b.Dy(), W: b.Dx(), C: channels}, nil)
	toValues(img, channels, rescale, t.Sample(0))
	return t
}

// toValues 이미지를 HWC 순서의 값으로 변환하여 dst에 채움
// channels가 1이면 밝기값 하나만 사용한다
func toValues(img *image.RGBA, channels int, rescale float64, dst []float64) {
	b := img.Bounds()
	w := b.Dx()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < w; x++ {
			o := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			r := float64(img.Pix[o])
			g := float64(img.Pix[o+1])
			bl := float64(img.Pix[o+2])

			i := (y*w + x) * channels
			if channels == 1 {
				dst[i] = (0.299*r + 0.587*g + 0.114*bl) * rescale
				continue
			}
			dst[i] = r * rescale
			dst[i+1] = g * rescale
			dst[i+2] = bl * rescale
		}
	}
}
