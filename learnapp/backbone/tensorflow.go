//go:build tensorflow
// +build tensorflow

package backbone

import (
	"bytes"
	"encoding/binary"
	"io/ioutil"
	"math"

	"github.com/harrison-roh/image-classification-from-little-data/learnapp/nn"
	"github.com/pkg/errors"
	tf "github.com/tensorflow/tensorflow/tensorflow/go"
)

// frozen graph로 특징 추출
type graphExtractor struct {
	graph   *tf.Graph
	session *tf.Session
	input   tf.Output
	output  tf.Output

	inShape  nn.Shape
	outShape nn.Shape
}

func importGraph(file string) (*tf.Graph, error) {
	mByte, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "Fail to read graph: %s", file)
	}

	graph := tf.NewGraph()
	if err := graph.Import(mByte, ""); err != nil {
		return nil, errors.Wrap(err, "Fail to import graph")
	}

	return graph, nil
}

// little endian float32 값을 dst로 변환
func decodeFloats(b []byte, dst []float64) {
	for j := range dst {
		dst[j] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[j*4:])))
	}
}

// frozen graph의 <층 이름>/<파라미터 이름> 상수를 net의 파라미터로 복사
// 합성곱 커널은 [k, k, C, filters] 순서로 펼치면 net의 (k*k*C) x filters 행렬과 같다
func loadGraphWeights(g Graph, net *nn.Sequential) error {
	graph, err := importGraph(g.File)
	if err != nil {
		return err
	}

	var (
		fetches []tf.Output
		params  []*nn.Param
		names   []string
	)
	for _, l := range net.Layers() {
		for _, p := range l.Params() {
			name := l.Name() + "/" + p.Name
			op := graph.Operation(name)
			if op == nil {
				return errors.Errorf("Weight %s not found in %s", name, g.File)
			}
			fetches = append(fetches, op.Output(0))
			params = append(params, p)
			names = append(names, name)
		}
	}

	session, err := tf.NewSession(graph, nil)
	if err != nil {
		return errors.Wrap(err, "Fail to make graph session")
	}
	defer session.Close()

	outs, err := session.Run(nil, fetches, nil)
	if err != nil {
		return errors.Wrap(err, "Fail to read graph weights")
	}

	for i, t := range outs {
		if t.DataType() != tf.Float {
			return errors.Errorf("Weight %s is not float32", names[i])
		}
		var raw bytes.Buffer
		if _, err := t.WriteContentsTo(&raw); err != nil {
			return err
		}
		values := params[i].Value.RawMatrix().Data
		if raw.Len() != len(values)*4 {
			return errors.Errorf("Weight %s has %d values, expected %d", names[i], raw.Len()/4, len(values))
		}
		decodeFloats(raw.Bytes(), values)
	}

	return nil
}

func newGraphExtractor(g Graph, input nn.Shape) (Extractor, error) {
	var (
		graph   *tf.Graph
		session *tf.Session
		err     error
	)

	if g.Input == "" || g.Output == "" {
		return nil, errors.Errorf("Graph %s needs input and output operation names", g.File)
	}

	// model 로드
	if graph, err = importGraph(g.File); err != nil {
		return nil, err
	}

	inOp := graph.Operation(g.Input)
	if inOp == nil {
		return nil, errors.Errorf("Input operation %s not found in %s", g.Input, g.File)
	}
	outOp := graph.Operation(g.Output)
	if outOp == nil {
		return nil, errors.Errorf("Output operation %s not found in %s", g.Output, g.File)
	}

	outShape := g.OutputShape
	if dims, err := outOp.Output(0).Shape().ToSlice(); err == nil && len(dims) == 4 &&
		dims[1] > 0 && dims[2] > 0 && dims[3] > 0 {
		outShape = nn.Shape{H: int(dims[1]), W: int(dims[2]), C: int(dims[3])}
	}
	if outShape.Size() <= 0 {
		return nil, errors.Errorf("Unknown output shape of %s; set outputShape", g.Output)
	}

	if session, err = tf.NewSession(graph, nil); err != nil {
		return nil, errors.Wrap(err, "Fail to make graph session")
	}

	return &graphExtractor{
		graph:    graph,
		session:  session,
		input:    inOp.Output(0),
		output:   outOp.Output(0),
		inShape:  input,
		outShape: outShape,
	}, nil
}

func (e *graphExtractor) Extract(x *nn.Tensor) (*nn.Tensor, error) {
	if x.Shape != e.inShape {
		return nil, errors.Errorf("Input shape mismatch: %s != %s", x.Shape, e.inShape)
	}

	n := x.Len()
	values := make([]float32, 0, n*x.Shape.Size())
	for i := 0; i < n; i++ {
		for _, v := range x.Sample(i) {
			values = append(values, float32(v))
		}
	}
	var buf bytes.Buffer
	buf.Grow(len(values) * 4)
	if err := binary.Write(&buf, binary.LittleEndian, values); err != nil {
		return nil, errors.Wrap(err, "Fail to encode input")
	}

	shape := []int64{int64(n), int64(x.Shape.H), int64(x.Shape.W), int64(x.Shape.C)}
	in, err := tf.ReadTensor(tf.Float, shape, &buf)
	if err != nil {
		return nil, errors.Wrap(err, "Fail to make input tensor")
	}

	outs, err := e.session.Run(
		map[tf.Output]*tf.Tensor{
			e.input: in,
		},
		[]tf.Output{
			e.output,
		},
		nil)
	if err != nil {
		return nil, errors.Wrap(err, "Fail to run graph")
	}

	var raw bytes.Buffer
	if _, err := outs[0].WriteContentsTo(&raw); err != nil {
		return nil, err
	}
	size := e.outShape.Size()
	if raw.Len() != n*size*4 {
		return nil, errors.Errorf("Graph output has %d bytes, expected %d", raw.Len(), n*size*4)
	}

	out := nn.NewTensor(n, e.outShape, nil)
	b := raw.Bytes()
	for i := 0; i < n; i++ {
		decodeFloats(b[i*size*4:(i+1)*size*4], out.Sample(i))
	}

	return out, nil
}

func (e *graphExtractor) OutputShape() nn.Shape {
	return e.outShape
}

func (e *graphExtractor) Close() error {
	return e.session.Close()
}
