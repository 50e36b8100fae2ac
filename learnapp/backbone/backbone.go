package backbone

import (
	"fmt"

	"github.com/harrison-roh/image-classification-from-little-data/learnapp/nn"
	"github.com/pkg/errors"
)

// Block 3x3 합성곱 Convs개와 2x2 max pooling으로 이루어진 블록
type Block struct {
	Filters int `yaml:"filters" toml:"filters"`
	Convs   int `yaml:"convs" toml:"convs"`
}

// VGG16Blocks 분류 층을 뺀 VGG16 합성곱 구성
var VGG16Blocks = []Block{
	{Filters: 64, Convs: 2},
	{Filters: 128, Convs: 2},
	{Filters: 256, Convs: 3},
	{Filters: 512, Convs: 3},
	{Filters: 512, Convs: 3},
}

// Graph 특징 추출에 사용할 frozen TensorFlow graph
type Graph struct {
	File   string `yaml:"file" toml:"file"`
	Input  string `yaml:"input" toml:"input"`
	Output string `yaml:"output" toml:"output"`
	// graph에서 출력 모양을 알 수 없을 때 사용
	OutputShape nn.Shape `yaml:"outputShape" toml:"output_shape"`
}

// Options backbone 설정
type Options struct {
	Blocks      []Block `yaml:"blocks" toml:"blocks"`
	WeightsFile string  `yaml:"weightsFile" toml:"weights_file"`
	// 미세 조정에서 고정할 앞쪽 층 수
	FrozenLayers int   `yaml:"frozenLayers" toml:"frozen_layers"`
	Graph        Graph `yaml:"graph" toml:"graph"`
	Seed         int64 `yaml:"-" toml:"-"`
}

// Depth 블록 구성의 층 수 (합성곱과 pooling)
func Depth(blocks []Block) int {
	depth := 0
	for _, b := range blocks {
		depth += b.Convs + 1
	}
	return depth
}

// New 합성곱 base 생성
// 층 이름은 block1_conv1, block1_pool 형식이다
func New(blocks []Block, input nn.Shape, seed int64) (*nn.Sequential, error) {
	if len(blocks) == 0 {
		return nil, errors.New("Backbone has no blocks")
	}

	net := nn.NewSequential()
	for i, b := range blocks {
		if b.Filters < 1 || b.Convs < 1 {
			return nil, errors.Errorf("Invalid block %d: %d filters, %d convs", i+1, b.Filters, b.Convs)
		}
		for j := 0; j < b.Convs; j++ {
			net.Add(nn.NewConv2D(fmt.Sprintf("block%d_conv%d", i+1, j+1), b.Filters, 3, nn.Same, nn.ReLU))
		}
		net.Add(nn.NewMaxPool2D(fmt.Sprintf("block%d_pool", i+1), 2))
	}

	if err := net.Build(input, seed); err != nil {
		return nil, errors.Wrap(err, "Fail to build backbone")
	}

	return net, nil
}

// FeatureShape 블록 구성과 입력 모양으로 계산한 합성곱 base의 출력 모양
func FeatureShape(blocks []Block, input nn.Shape) nn.Shape {
	out := input
	for _, b := range blocks {
		out = nn.Shape{H: out.H / 2, W: out.W / 2, C: b.Filters}
	}
	return out
}

// Load 합성곱 base를 만들고 학습된 가중치를 읽음
// Graph.File이 있으면 graph의 상수에서, 없으면 WeightsFile에서 읽는다.
// 특징 추출과 미세 조정이 같은 가중치를 쓰도록 두 경우 모두 이 함수를 거친다
func Load(opts Options, input nn.Shape) (*nn.Sequential, error) {
	if opts.Graph.File == "" && opts.WeightsFile == "" {
		return nil, errors.New("No pre-trained backbone weights file")
	}

	net, err := New(opts.Blocks, input, opts.Seed)
	if err != nil {
		return nil, err
	}

	if opts.Graph.File != "" {
		err = loadGraphWeights(opts.Graph, net)
	} else {
		err = nn.LoadWeights(opts.WeightsFile, net)
	}
	if err != nil {
		return nil, err
	}

	return net, nil
}

// Extractor 이미지 배치를 bottleneck 특징으로 변환
type Extractor interface {
	Extract(x *nn.Tensor) (*nn.Tensor, error)
	OutputShape() nn.Shape
	Close() error
}

// NewExtractor 설정에 맞는 Extractor 생성
// Graph.File이 있으면 TensorFlow graph를, 없으면 합성곱 base를 사용한다
func NewExtractor(opts Options, input nn.Shape) (Extractor, error) {
	if opts.Graph.File != "" {
		ext, err := newGraphExtractor(opts.Graph, input)
		if err != nil {
			return nil, err
		}
		// 미세 조정은 blocks로 만든 합성곱 base를 쓰므로 출력 모양이 같아야 한다
		if want := FeatureShape(opts.Blocks, input); ext.OutputShape() != want {
			ext.Close()
			return nil, errors.Errorf("Graph output %s does not match backbone blocks output %s", ext.OutputShape(), want)
		}
		return ext, nil
	}

	net, err := Load(opts, input)
	if err != nil {
		return nil, err
	}

	return &Native{Net: net}, nil
}

// Native gonum 합성곱 base로 특징 추출
type Native struct {
	Net *nn.Sequential
}

// Extract Extractor 구현
func (n *Native) Extract(x *nn.Tensor) (*nn.Tensor, error) {
	return n.Net.Predict(x)
}

// OutputShape Extractor 구현
func (n *Native) OutputShape() nn.Shape {
	return n.Net.OutputShape()
}

// Close Extractor 구현
func (n *Native) Close() error {
	return nil
}
