package training

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/harrison-roh/image-classification-from-little-data/learnapp/nn"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// x0의 부호로 분류되는 2차원 점
func separable(n int, seed int64) (*nn.Tensor, []float64) {
	rng := rand.New(rand.NewSource(seed))
	x := nn.NewTensor(n, nn.Flat(2), nil)
	labels := make([]float64, n)
	for i := 0; i < n; i++ {
		v := 0.5 + rng.Float64()/2
		if i%2 == 0 {
			v = -v
		} else {
			labels[i] = 1
		}
		x.Sample(i)[0] = v
		x.Sample(i)[1] = rng.Float64()*2 - 1
	}
	return x, labels
}

func smallModel(t *testing.T) *nn.Sequential {
	model := nn.NewSequential(
		nn.NewDense("", 8, nn.ReLU),
		nn.NewDense("", 1, nn.Sigmoid),
	)
	require.NoError(t, model.Build(nn.Flat(2), 3))
	return model
}

func TestFit(t *testing.T) {
	x, y := separable(64, 1)
	vx, vy := separable(32, 2)

	train, err := NewArraySource(x, y, 16, true, 1)
	require.NoError(t, err)
	val, err := NewArraySource(vx, vy, 16, false, 1)
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	var seen []int

	h, err := Fit(context.Background(), smallModel(t), nn.NewRMSprop(0.01), train, val, FitConfig{
		Stage:           "test",
		Epochs:          30,
		Steps:           train.StepsPerPass(),
		ValidationSteps: 2,
		OnEpoch: func(r EpochResult) error {
			seen = append(seen, r.Epoch)
			return nil
		},
	}, logger)
	require.NoError(t, err)

	require.Len(t, h.Epochs, 30)
	assert.Len(t, seen, 30)
	assert.Len(t, hook.AllEntries(), 31)
	assert.Equal(t, "test", hook.LastEntry().Data["stage"])

	last, ok := h.Last()
	require.True(t, ok)
	assert.Less(t, last.ValLoss, h.InitLoss)
	assert.GreaterOrEqual(t, last.ValAccuracy, 0.9)

	r := h.Result()
	assert.Equal(t, 30, r.Epochs)
	assert.Len(t, r.ValidationAccuracy, 30)
	assert.Equal(t, float32(last.Loss), r.TrainLoss[29])
	assert.Equal(t, h.Series(MetricValLoss)[0], h.Epochs[0].ValLoss)
	assert.Nil(t, h.Series("f1"))
}

func TestFitWithoutValidation(t *testing.T) {
	x, y := separable(16, 1)
	train, err := NewArraySource(x, y, 8, false, 1)
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	h, err := Fit(context.Background(), smallModel(t), nn.NewRMSprop(0.001), train, nil,
		FitConfig{Epochs: 2, Steps: 2}, logger)
	require.NoError(t, err)

	assert.Zero(t, h.InitLoss)
	assert.Len(t, h.Epochs, 2)
	assert.Zero(t, h.Epochs[1].ValLoss)
}

func TestFitStops(t *testing.T) {
	x, y := separable(16, 1)
	train, err := NewArraySource(x, y, 8, false, 1)
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Fit(ctx, smallModel(t), nn.NewRMSprop(0.001), train, nil, FitConfig{Epochs: 1, Steps: 1}, logger)
	assert.Equal(t, context.Canceled, err)

	stop := errors.New("stop")
	h, err := Fit(context.Background(), smallModel(t), nn.NewRMSprop(0.001), train, nil, FitConfig{
		Epochs:  5,
		Steps:   1,
		OnEpoch: func(EpochResult) error { return stop },
	}, logger)
	assert.Equal(t, stop, err)
	assert.Len(t, h.Epochs, 1)

	_, err = Fit(context.Background(), smallModel(t), nn.NewRMSprop(0.001), train, nil, FitConfig{Epochs: 0, Steps: 1}, logger)
	assert.Error(t, err)
}

func TestArraySource(t *testing.T) {
	x := nn.NewTensor(5, nn.Flat(1), []float64{0, 1, 2, 3, 4})
	labels := []float64{0, 1, 0, 1, 0}

	s, err := NewArraySource(x, labels, 2, true, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, s.StepsPerPass())

	for pass := 0; pass < 2; pass++ {
		var values []float64
		for step := 0; step < s.StepsPerPass(); step++ {
			bx, by, err := s.Next()
			require.NoError(t, err)
			for i := range by {
				v := bx.Sample(i)[0]
				assert.Equal(t, labels[int(v)], by[i])
				values = append(values, v)
			}
		}
		sort.Float64s(values)
		assert.Equal(t, []float64{0, 1, 2, 3, 4}, values)
	}

	_, err = NewArraySource(x, labels[:2], 2, false, 1)
	assert.Error(t, err)
	_, err = NewArraySource(x, labels, 0, false, 1)
	assert.Error(t, err)
}
