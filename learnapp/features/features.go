package features

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/harrison-roh/image-classification-from-little-data/learnapp/nn"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	magic   = "BNFT"
	version = uint32(1)
)

// Features backbone이 만든 bottleneck 특징과 그 분류
// Data의 i번째 행은 Labels[i]로 분류된 이미지의 특징이다
type Features struct {
	Shape   nn.Shape
	Data    *mat.Dense
	Labels  []float64
	Classes []string
}

// New 특징 Tensor와 분류로 Features 생성
func New(t *nn.Tensor, labels []float64, classes []string) (*Features, error) {
	f := &Features{
		Shape:   t.Shape,
		Data:    t.Data,
		Labels:  labels,
		Classes: classes,
	}
	if err := f.check(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Features) check() error {
	rows, cols := f.Data.Dims()
	if rows != len(f.Labels) {
		return errors.Errorf("The number of features(%d) and labels(%d) does not match", rows, len(f.Labels))
	}
	if cols != f.Shape.Size() {
		return errors.Errorf("Feature size %d does not match shape %s", cols, f.Shape)
	}
	for i, label := range f.Labels {
		if label < 0 || int(label) >= len(f.Classes) || label != float64(int(label)) {
			return errors.Errorf("Invalid label %g at %d (%d classes)", label, i, len(f.Classes))
		}
	}
	return nil
}

// Len 샘플 수
func (f *Features) Len() int {
	return len(f.Labels)
}

// Tensor 특징을 Tensor로
func (f *Features) Tensor() *nn.Tensor {
	return &nn.Tensor{Shape: f.Shape, Data: f.Data}
}

// Save 파일로 저장
func (f *Features) Save(path string) (err error) {
	if err := f.check(); err != nil {
		return err
	}

	fp, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "Fail to create features file %s", path)
	}
	defer func() {
		if cerr := fp.Close(); err == nil && cerr != nil {
			err = errors.Wrapf(cerr, "Fail to close features file %s", path)
		}
	}()

	w := bufio.NewWriter(fp)
	if err = f.Encode(w); err != nil {
		return errors.Wrapf(err, "Fail to write features %s", path)
	}

	return w.Flush()
}

// Encode w로 직렬화
func (f *Features) Encode(w io.Writer) error {
	if _, err := io.WriteString(w, magic); err != nil {
		return err
	}

	header := []uint32{
		version,
		uint32(f.Shape.H), uint32(f.Shape.W), uint32(f.Shape.C),
		uint32(len(f.Classes)),
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	for _, class := range f.Classes {
		if err := writeString(w, class); err != nil {
			return err
		}
	}

	if _, err := f.Data.MarshalBinaryTo(w); err != nil {
		return err
	}
	if _, err := mat.NewVecDense(len(f.Labels), f.Labels).MarshalBinaryTo(w); err != nil {
		return err
	}

	return nil
}

// Load 파일에서 읽음
func Load(path string) (*Features, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Fail to open features file %s", path)
	}
	defer fp.Close()

	f, err := Decode(bufio.NewReader(fp))
	if err != nil {
		return nil, errors.Wrapf(err, "Fail to load features %s", path)
	}

	return f, nil
}

// Decode r에서 역직렬화
func Decode(r io.Reader) (*Features, error) {
	m := make([]byte, len(magic))
	if _, err := io.ReadFull(r, m); err != nil {
		return nil, err
	}
	if string(m) != magic {
		return nil, errors.Errorf("Not a features file (magic %q)", m)
	}

	header := make([]uint32, 5)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	if header[0] != version {
		return nil, errors.Errorf("Unsupported features version %d", header[0])
	}

	f := &Features{
		Shape: nn.Shape{H: int(header[1]), W: int(header[2]), C: int(header[3])},
	}
	for i := uint32(0); i < header[4]; i++ {
		class, err := readString(r)
		if err != nil {
			return nil, err
		}
		f.Classes = append(f.Classes, class)
	}

	var data mat.Dense
	if _, err := data.UnmarshalBinaryFrom(r); err != nil {
		return nil, errors.Wrap(err, "Fail to decode features")
	}
	var labels mat.VecDense
	if _, err := labels.UnmarshalBinaryFrom(r); err != nil {
		return nil, errors.Wrap(err, "Fail to decode labels")
	}

	f.Data = &data
	f.Labels = make([]float64, labels.Len())
	for i := range f.Labels {
		f.Labels[i] = labels.AtVec(i)
	}

	if err := f.check(); err != nil {
		return nil, err
	}

	return f, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > 1<<16 {
		return "", errors.Errorf("Name too long (%d)", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
