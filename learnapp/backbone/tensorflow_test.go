//go:build tensorflow
// +build tensorflow

package backbone

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/harrison-roh/image-classification-from-little-data/learnapp/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tf "github.com/tensorflow/tensorflow/tensorflow/go"
)

// net의 파라미터를 Keras 이름의 상수로 담은 graph 파일
func writeGraph(t *testing.T, net *nn.Sequential, skip string) string {
	graph := tf.NewGraph()
	for _, l := range net.Layers() {
		for _, p := range l.Params() {
			name := l.Name() + "/" + p.Name
			if name == skip {
				continue
			}

			r, c := p.Value.Dims()
			shape := []int64{int64(c)}
			if p.Name == "kernel" {
				shape = []int64{3, 3, int64(r / 9), int64(c)}
			}
			values := make([]float32, 0, r*c)
			for _, v := range p.Value.RawMatrix().Data {
				values = append(values, float32(v))
			}
			var buf bytes.Buffer
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, values))
			value, err := tf.ReadTensor(tf.Float, shape, &buf)
			require.NoError(t, err)

			_, err = graph.AddOperation(tf.OpSpec{
				Type: "Const",
				Name: name,
				Attrs: map[string]interface{}{
					"dtype": tf.Float,
					"value": value,
				},
			})
			require.NoError(t, err)
		}
	}

	path := filepath.Join(t.TempDir(), "backbone.pb")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = graph.WriteTo(f)
	require.NoError(t, err)

	return path
}

func TestLoadGraphWeights(t *testing.T) {
	input := nn.Shape{H: 8, W: 8, C: 3}
	trained, err := New(tiny, input, 7)
	require.NoError(t, err)

	net, err := Load(Options{Blocks: tiny, Graph: Graph{File: writeGraph(t, trained, "")}, Seed: 99}, input)
	require.NoError(t, err)

	want, got := trained.Params(), net.Params()
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDeltaSlice(t, want[i].Value.RawMatrix().Data, got[i].Value.RawMatrix().Data, 1e-6, want[i].Name)
	}

	_, err = Load(Options{Blocks: tiny, Graph: Graph{File: writeGraph(t, trained, "block2_conv2/bias")}}, input)
	assert.Error(t, err)

	// 블록 구성이 다른 graph
	_, err = Load(Options{Blocks: []Block{{Filters: 4, Convs: 1}}, Graph: Graph{File: writeGraph(t, trained, "")}}, input)
	assert.Error(t, err)
}

// 입력을 그대로 내보내는 graph로 배치 변환 확인
func TestGraphExtract(t *testing.T) {
	graph := tf.NewGraph()
	in, err := graph.AddOperation(tf.OpSpec{
		Type:  "Placeholder",
		Name:  "input",
		Attrs: map[string]interface{}{"dtype": tf.Float},
	})
	require.NoError(t, err)
	_, err = graph.AddOperation(tf.OpSpec{
		Type:  "Identity",
		Name:  "output",
		Input: []tf.Input{in.Output(0)},
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "identity.pb")
	f, err := os.Create(path)
	require.NoError(t, err)
	_, err = graph.WriteTo(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	shape := nn.Shape{H: 4, W: 4, C: 3}
	ext, err := newGraphExtractor(Graph{File: path, Input: "input", Output: "output", OutputShape: shape}, shape)
	require.NoError(t, err)
	defer ext.Close()

	x := nn.NewTensor(2, shape, nil)
	for i := 0; i < 2; i++ {
		for j := range x.Sample(i) {
			x.Sample(i)[j] = float64(i*100+j) / 8
		}
	}
	out, err := ext.Extract(x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, x.Data.RawMatrix().Data, out.Data.RawMatrix().Data, 1e-6)

	// blocks와 출력 모양이 다르면 거부
	_, err = NewExtractor(Options{Blocks: tiny, Graph: Graph{File: path, Input: "input", Output: "output", OutputShape: shape}}, shape)
	assert.Error(t, err)
}
