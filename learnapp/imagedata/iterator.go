package imagedata

import (
	"image"
	"io"
	"math/rand"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/nn"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

// Options Iterator 설정
type Options struct {
	Width     int
	Height    int
	Channels  int
	BatchSize int
	Augment   Augment

	// Shuffle이면 매 순회마다 순서를 섞는다
	Shuffle bool
	// Repeat이면 끝에 도달해도 처음부터 다시 순회한다. 아니면 io.EOF
	Repeat bool
	Seed   int64

	// 배치 내 이미지를 동시에 디코딩 하는 작업자 수
	Workers int
	// 크기 조정까지 마친 이미지 캐시 (nil이면 사용 안함)
	Cache *cache.Cache
}

// Iterator 디렉토리 이미지를 배치 단위로 읽음
type Iterator struct {
	ds   *Dataset
	opts Options
	rng  *rand.Rand
	pool *workerpool.WorkerPool

	order []int
	pos   int
}

// NewIterator Iterator 생성. 사용 후 Close 해야 한다
func NewIterator(ds *Dataset, opts Options) (*Iterator, error) {
	if opts.Width < 1 || opts.Height < 1 {
		return nil, errors.Errorf("Invalid image size %dx%d", opts.Width, opts.Height)
	}
	if opts.Channels != 1 && opts.Channels != 3 {
		return nil, errors.Errorf("Unsupported channels: %d", opts.Channels)
	}
	if opts.BatchSize < 1 {
		return nil, errors.Errorf("Invalid batch size %d", opts.BatchSize)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Augment.Rescale == 0 {
		opts.Augment.Rescale = 1
	}

	it := &Iterator{
		ds:    ds,
		opts:  opts,
		rng:   rand.New(rand.NewSource(opts.Seed)),
		pool:  workerpool.New(opts.Workers),
		order: make([]int, ds.Len()),
	}
	for i := range it.order {
		it.order[i] = i
	}
	it.reset()

	return it, nil
}

func (it *Iterator) reset() {
	it.pos = 0
	if it.opts.Shuffle {
		it.rng.Shuffle(len(it.order), func(i, j int) {
			it.order[i], it.order[j] = it.order[j], it.order[i]
		})
	}
}

// Shape 샘플 하나의 모양
func (it *Iterator) Shape() nn.Shape {
	return nn.Shape{H: it.opts.Height, W: it.opts.Width, C: it.opts.Channels}
}

// Dataset 순회 대상
func (it *Iterator) Dataset() *Dataset {
	return it.ds
}

// StepsPerPass 한 번 순회하는 배치 수
func (it *Iterator) StepsPerPass() int {
	return (it.ds.Len() + it.opts.BatchSize - 1) / it.opts.BatchSize
}

// Next 다음 배치와 분류
// 순회의 마지막 배치는 BatchSize보다 작을 수 있다
func (it *Iterator) Next() (*nn.Tensor, []float64, error) {
	if it.pos >= len(it.order) {
		if !it.opts.Repeat {
			return nil, nil, io.EOF
		}
		it.reset()
	}

	end := it.pos + it.opts.BatchSize
	if end > len(it.order) {
		end = len(it.order)
	}
	indices := it.order[it.pos:end]
	it.pos = end

	// 변환은 작업자에 넘기기 전에 정해서 seed에 따라 재현되도록 함
	transforms := make([]transform, len(indices))
	for i := range indices {
		transforms[i] = it.opts.Augment.random(it.rng)
	}

	batch := nn.NewTensor(len(indices), it.Shape(), nil)
	labels := make([]float64, len(indices))

	var (
		wg       sync.WaitGroup
		errMutex sync.Mutex
		firstErr error
	)
	for i, idx := range indices {
		i := i
		sample := it.ds.Samples[idx]
		labels[i] = float64(sample.Label)

		wg.Add(1)
		it.pool.Submit(func() {
			defer wg.Done()

			img, err := it.load(sample.Path)
			if err != nil {
				errMutex.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMutex.Unlock()
				return
			}
			toValues(transforms[i].apply(img), it.opts.Channels, it.opts.Augment.Rescale, batch.Sample(i))
		})
	}
	wg.Wait()

	if firstErr != nil {
		return nil, nil, firstErr
	}

	return batch, labels, nil
}

func (it *Iterator) load(path string) (*image.RGBA, error) {
	if it.opts.Cache != nil {
		if v, ok := it.opts.Cache.Get(it.cacheKey(path)); ok {
			return v.(*image.RGBA), nil
		}
	}

	img, err := LoadImage(path, it.opts.Width, it.opts.Height)
	if err != nil {
		return nil, err
	}

	if it.opts.Cache != nil {
		it.opts.Cache.SetDefault(it.cacheKey(path), img)
	}

	return img, nil
}

func (it *Iterator) cacheKey(path string) string {
	return path + "@" + it.Shape().String()
}

// Close 작업자 정리
func (it *Iterator) Close() {
	it.pool.StopWait()
}
