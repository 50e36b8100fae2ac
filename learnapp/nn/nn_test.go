package nn

import (
	"bytes"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomTensor(rng *rand.Rand, n int, s Shape) *Tensor {
	t := NewTensor(n, s, nil)
	for i := 0; i < n; i++ {
		row := t.Sample(i)
		for j := range row {
			row[j] = rng.Float64()*2 - 1
		}
	}
	return t
}

func lossOf(t *testing.T, s *Sequential, x *Tensor, y []float64) float64 {
	pred, err := s.Forward(x, false)
	require.NoError(t, err)
	loss, _, err := BinaryCrossEntropy(pred, y)
	require.NoError(t, err)
	return loss + s.RegularizationLoss()
}

// 해석적 기울기와 수치 미분 비교
func TestGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	in := Shape{H: 6, W: 6, C: 2}

	s := NewSequential(
		NewConv2D("conv_same", 3, 3, Same, Linear),
		NewConv2D("conv_valid", 2, 3, Valid, Sigmoid),
		NewMaxPool2D("pool", 2),
		NewFlatten("flatten"),
		NewDense("hidden", 4, Sigmoid).WithL2(0.01),
		NewDense("out", 1, Sigmoid),
	)
	require.NoError(t, s.Build(in, 7))

	x := randomTensor(rng, 3, in)
	y := []float64{0, 1, 1}

	pred, err := s.Forward(x, true)
	require.NoError(t, err)
	_, grad, err := BinaryCrossEntropy(pred, y)
	require.NoError(t, err)
	s.Backward(grad)

	const h = 1e-5
	for _, l := range s.Layers() {
		for _, p := range l.Params() {
			r, c := p.Value.Dims()
			for i := 0; i < r; i++ {
				for j := 0; j < c; j++ {
					orig := p.Value.At(i, j)

					p.Value.Set(i, j, orig+h)
					plus := lossOf(t, s, x, y)
					p.Value.Set(i, j, orig-h)
					minus := lossOf(t, s, x, y)
					p.Value.Set(i, j, orig)

					numeric := (plus - minus) / (2 * h)
					analytic := p.Grad.At(i, j) + 2*p.L2*orig
					assert.InDelta(t, numeric, analytic, 1e-5,
						"%s/%s[%d,%d]", l.Name(), p.Name, i, j)
				}
			}
		}
	}
}

func TestShapes(t *testing.T) {
	s := NewSequential(
		NewConv2D("", 32, 3, Valid, ReLU),
		NewMaxPool2D("", 2),
		NewConv2D("", 32, 3, Valid, ReLU),
		NewMaxPool2D("", 2),
		NewConv2D("", 64, 3, Valid, ReLU),
		NewMaxPool2D("", 2),
		NewFlatten(""),
		NewDense("", 64, ReLU),
		NewDropout("", 0.5),
		NewDense("", 1, Sigmoid),
	)
	require.NoError(t, s.Build(Shape{H: 150, W: 150, C: 3}, 1))

	layers := s.Layers()
	assert.Equal(t, "conv2d_1", layers[0].Name())
	assert.Equal(t, "dense_10", layers[9].Name())
	assert.Equal(t, Shape{H: 148, W: 148, C: 32}, layers[0].OutputShape())
	assert.Equal(t, Shape{H: 17, W: 17, C: 64}, layers[5].OutputShape())
	assert.Equal(t, Flat(17*17*64), layers[6].OutputShape())
	assert.Equal(t, Flat(1), s.OutputShape())
}

func TestBuildErrors(t *testing.T) {
	s := NewSequential(NewConv2D("c", 4, 5, Valid, ReLU))
	assert.Error(t, s.Build(Shape{H: 3, W: 3, C: 1}, 1))

	s = NewSequential(NewDense("d", 2, ReLU), NewDense("d", 1, Sigmoid))
	assert.Error(t, s.Build(Flat(3), 1))

	s = NewSequential(NewFlatten("f"), NewDense("d", 1, Sigmoid))
	require.NoError(t, s.Build(Flat(3), 1))
	_, err := s.Forward(NewTensor(1, Flat(4), nil), false)
	assert.Error(t, err)
}

func TestFreezeStopsUpdates(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	in := Flat(5)
	first := NewDense("first", 4, ReLU)
	s := NewSequential(first, NewDense("second", 1, Sigmoid))
	require.NoError(t, s.Build(in, 1))
	require.NoError(t, s.Freeze(1))
	assert.Error(t, s.Freeze(3))

	before := mat2slice(first.kernel.Value.RawMatrix().Data)
	opt := NewSGD(0.1, 0.9)
	for i := 0; i < 5; i++ {
		x := randomTensor(rng, 4, in)
		pred, err := s.Forward(x, true)
		require.NoError(t, err)
		_, grad, err := BinaryCrossEntropy(pred, []float64{0, 1, 0, 1})
		require.NoError(t, err)
		s.Backward(grad)
		opt.Step(s.TrainableParams())
	}

	assert.Equal(t, before, first.kernel.Value.RawMatrix().Data)
	assert.Len(t, s.TrainableParams(), 2)
	assert.Len(t, s.Params(), 4)
}

// 첫 층은 입력 기울기 없이 파라미터 기울기만 같은 값으로 계산
func TestBackwardFirstLayer(t *testing.T) {
	rng := rand.New(rand.NewSource(5))

	cases := []struct {
		layer Layer
		in    Shape
	}{
		{NewConv2D("conv", 3, 3, Same, ReLU), Shape{H: 5, W: 5, C: 2}},
		{NewDense("dense", 3, Sigmoid), Flat(4)},
	}
	for _, c := range cases {
		s := NewSequential(c.layer)
		require.NoError(t, s.Build(c.in, 1))

		out, err := s.Forward(randomTensor(rng, 2, c.in), true)
		require.NoError(t, err)
		g := randomTensor(rng, 2, out.Shape)

		s.Backward(g)
		var grads [][]float64
		for _, p := range c.layer.Params() {
			grads = append(grads, mat2slice(p.Grad.RawMatrix().Data))
		}

		next := c.layer.Backward(g)
		require.NotNil(t, next, c.layer.Name())
		assert.Equal(t, 2, next.Len())
		for i, p := range c.layer.Params() {
			assert.Equal(t, grads[i], p.Grad.RawMatrix().Data, "%s/%s", c.layer.Name(), p.Name)
		}
	}
}

func mat2slice(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

func TestOptimizersReduceLoss(t *testing.T) {
	for name, opt := range map[string]Optimizer{
		"rmsprop": NewRMSprop(0.01),
		"sgd":     NewSGD(0.1, 0.9),
	} {
		t.Run(name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(5))
			in := Flat(2)
			s := NewSequential(NewDense("h", 8, ReLU), NewDense("o", 1, Sigmoid))
			require.NoError(t, s.Build(in, 2))

			x := randomTensor(rng, 64, in)
			y := make([]float64, 64)
			for i := range y {
				if x.Sample(i)[0]+x.Sample(i)[1] > 0 {
					y[i] = 1
				}
			}

			initial := lossOf(t, s, x, y)
			for i := 0; i < 200; i++ {
				pred, err := s.Forward(x, true)
				require.NoError(t, err)
				_, grad, err := BinaryCrossEntropy(pred, y)
				require.NoError(t, err)
				s.Backward(grad)
				opt.Step(s.TrainableParams())
			}
			final := lossOf(t, s, x, y)

			assert.Less(t, final, initial)
			pred, err := s.Predict(x)
			require.NoError(t, err)
			assert.Greater(t, BinaryAccuracy(pred, y), 0.9)
		})
	}
}

func TestDropout(t *testing.T) {
	d := NewDropout("drop", 0.5)
	_, err := d.Build(Flat(1000), rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	x := NewTensor(1, Flat(1000), nil)
	for i := range x.Sample(0) {
		x.Sample(0)[i] = 1
	}

	assert.Same(t, x, d.Forward(x, false))

	out := d.Forward(x, true)
	zeros := 0
	for _, v := range out.Sample(0) {
		if v == 0 {
			zeros++
		} else {
			assert.Equal(t, 2.0, v)
		}
	}
	assert.InDelta(t, 500, zeros, 80)

	_, err = NewDropout("bad", 1).Build(Flat(1), rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}

func TestBinaryCrossEntropy(t *testing.T) {
	pred := NewTensor(2, Flat(1), []float64{0.9, 0.2})
	loss, grad, err := BinaryCrossEntropy(pred, []float64{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, -(math.Log(0.9)+math.Log(0.8))/2, loss, 1e-12)
	assert.InDelta(t, (0.9-1)/(0.9*0.1)/2, grad.Data.At(0, 0), 1e-12)
	assert.Equal(t, 1.0, BinaryAccuracy(pred, []float64{1, 0}))

	_, _, err = BinaryCrossEntropy(pred, []float64{1})
	assert.Error(t, err)

	// 0, 1에서도 유한한 값
	loss, _, err = BinaryCrossEntropy(NewTensor(1, Flat(1), []float64{0}), []float64{1})
	require.NoError(t, err)
	assert.False(t, math.IsInf(loss, 0))
}

func newSmallNet(seed int64) *Sequential {
	s := NewSequential(
		NewConv2D("conv", 2, 3, Same, ReLU),
		NewFlatten("flatten"),
		NewDense("out", 1, Sigmoid),
	)
	if err := s.Build(Shape{H: 4, W: 4, C: 1}, seed); err != nil {
		panic(err)
	}
	return s
}

func TestWeightsRoundTrip(t *testing.T) {
	src := newSmallNet(1)
	dst := newSmallNet(2)
	assert.NotEqual(t, src.Params()[0].Value.RawMatrix().Data, dst.Params()[0].Value.RawMatrix().Data)

	path := filepath.Join(t.TempDir(), "small.weights")
	require.NoError(t, SaveWeights(path, src))
	require.NoError(t, LoadWeights(path, dst))

	for i, p := range src.Params() {
		assert.Equal(t, p.Value.RawMatrix().Data, dst.Params()[i].Value.RawMatrix().Data)
	}
}

func TestWeightsMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteWeights(&buf, newSmallNet(1)))

	other := NewSequential(
		NewConv2D("conv", 3, 3, Same, ReLU),
		NewFlatten("flatten"),
		NewDense("out", 1, Sigmoid),
	)
	require.NoError(t, other.Build(Shape{H: 4, W: 4, C: 1}, 1))
	assert.Error(t, ReadWeights(bytes.NewReader(buf.Bytes()), other))

	renamed := NewSequential(
		NewConv2D("conv", 2, 3, Same, ReLU),
		NewFlatten("flatten"),
		NewDense("top", 1, Sigmoid),
	)
	require.NoError(t, renamed.Build(Shape{H: 4, W: 4, C: 1}, 1))
	assert.Error(t, ReadWeights(bytes.NewReader(buf.Bytes()), renamed))

	assert.Error(t, ReadWeights(bytes.NewReader([]byte("nope")), newSmallNet(1)))
	assert.Error(t, LoadWeights(filepath.Join(t.TempDir(), "missing"), newSmallNet(1)))
}

func TestComposeKeepsWeights(t *testing.T) {
	base := NewSequential(NewConv2D("b_conv", 2, 3, Same, ReLU), NewMaxPool2D("b_pool", 2))
	require.NoError(t, base.Build(Shape{H: 4, W: 4, C: 1}, 1))
	top := NewSequential(NewFlatten("t_flat"), NewDense("t_out", 1, Sigmoid))
	require.NoError(t, top.Build(base.OutputShape(), 2))

	want := mat2slice(top.Params()[0].Value.RawMatrix().Data)

	all := NewSequential(append(base.Layers(), top.Layers()...)...)
	require.NoError(t, all.Build(Shape{H: 4, W: 4, C: 1}, 3))
	assert.Equal(t, want, all.Params()[2].Value.RawMatrix().Data)
	assert.Contains(t, all.Summary(), "t_out")
}

func TestConcatAndRows(t *testing.T) {
	a := NewTensor(1, Flat(2), []float64{1, 2})
	b := NewTensor(2, Flat(2), []float64{3, 4, 5, 6})

	c, err := Concat(a, b)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, []float64{5, 6}, c.Sample(2))

	r := c.Rows([]int{2, 0})
	assert.Equal(t, []float64{5, 6, 1, 2}, r.Data.RawMatrix().Data)

	_, err = Concat(a, NewTensor(1, Flat(3), nil))
	assert.Error(t, err)

	_, err = a.Reshape(Shape{H: 1, W: 2, C: 1})
	assert.NoError(t, err)
	_, err = a.Reshape(Flat(3))
	assert.Error(t, err)
}
