package learning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io/ioutil"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/harrison-roh/image-classification-from-little-data/learnapp/backbone"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/config"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/nn"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/pipeline"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/training"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const size = 32

func encodeImage(t *testing.T, base uint8, rng *rand.Rand) []byte {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := base + uint8(rng.Intn(40))
			img.SetRGBA(x, y, color.RGBA{v, v, v, 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// root/train, root/validation 아래 cats(어두움), dogs(밝음)
func writeImages(t *testing.T, root string) {
	rng := rand.New(rand.NewSource(1))
	for split, n := range map[string]int{"train": 4, "validation": 2} {
		for i := 0; i < n; i++ {
			for class, base := range map[string]uint8{"cats": 10, "dogs": 200} {
				dir := filepath.Join(root, split, class)
				require.NoError(t, os.MkdirAll(dir, 0755))
				file := filepath.Join(dir, fmt.Sprintf("%s.%d.png", class, i))
				require.NoError(t, ioutil.WriteFile(file, encodeImage(t, base, rng), 0644))
			}
		}
	}
}

func baseConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.ImageWidth, cfg.ImageHeight = size, size
	cfg.TrainSamples = 8
	cfg.ValidationSamples = 4
	cfg.BatchSize = 4
	cfg.Epochs = 2
	cfg.Workers = 2
	cfg.Plots = false

	blocks := []backbone.Block{{Filters: 2, Convs: 1}, {Filters: 3, Convs: 1}}
	cfg.Backbone.Blocks = blocks
	cfg.Backbone.FrozenLayers = 2
	cfg.Backbone.WeightsFile = filepath.Join(t.TempDir(), "backbone.weights")

	pretrained, err := backbone.New(blocks, cfg.InputShape(), 11)
	require.NoError(t, err)
	require.NoError(t, nn.SaveWeights(cfg.Backbone.WeightsFile, pretrained))

	return cfg
}

type memStore struct {
	sync.Mutex
	items     map[string]map[string][]training.EpochResult
	forgotten []string
}

func (s *memStore) Record(run, stage string, r training.EpochResult) error {
	s.Lock()
	defer s.Unlock()
	if s.items == nil {
		s.items = make(map[string]map[string][]training.EpochResult)
	}
	if s.items[run] == nil {
		s.items[run] = make(map[string][]training.EpochResult)
	}
	s.items[run][stage] = append(s.items[run][stage], r)
	return nil
}

func (s *memStore) Histories(run string) (map[string]*training.History, error) {
	s.Lock()
	defer s.Unlock()
	histories := make(map[string]*training.History)
	for stage, epochs := range s.items[run] {
		histories[stage] = &training.History{Stage: stage, Epochs: epochs}
	}
	return histories, nil
}

func (s *memStore) Forget(run string) error {
	s.Lock()
	defer s.Unlock()
	delete(s.items, run)
	s.forgotten = append(s.forgotten, run)
	return nil
}

func newLearning(t *testing.T, modelsPath string, cfg config.Config, notify string) *Learning {
	return newLearningWith(t, modelsPath, cfg, notify, nil)
}

func newLearningWith(t *testing.T, modelsPath string, cfg config.Config, notify string, recorder pipeline.Recorder) *Learning {
	logger, _ := test.NewNullLogger()
	l, err := New(Config{
		ModelsPath: modelsPath,
		Base:       cfg,
		NotifyHost: notify,
		Recorder:   recorder,
		Logger:     logger,
	})
	require.NoError(t, err)
	t.Cleanup(l.Destroy)
	return l
}

func TestCreateModel(t *testing.T) {
	images := t.TempDir()
	writeImages(t, images)
	modelsPath := t.TempDir()

	notified := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var res CreateResponse
		assert.Equal(t, http.MethodPut, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&res))
		notified <- r.URL.Path + " " + res.ModelPath
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	l := newLearning(t, modelsPath, baseConfig(t), server.Listener.Addr().String())

	res, err := l.CreateModel("pets", CreateRequest{
		ImagePath:   images,
		Description: "cats and dogs",
		Epochs:      3,
		Trial:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res["epochs"])
	modelPath := res["modelPath"].(string)
	assert.Equal(t, modelsPath, filepath.Dir(modelPath))

	_, err = l.CreateModel("pets", CreateRequest{ImagePath: images})
	assert.Error(t, err)

	l.Wait()

	info := l.GetModel("pets", true)
	require.NotNil(t, info)
	assert.Equal(t, "ready", info["status"], info["error"])
	assert.Equal(t, "binary", info["classification"])
	assert.Equal(t, "cats and dogs", info["description"])
	assert.Contains(t, info, "trainingResult")
	assert.Equal(t, []string{"pets"}, l.GetModels())

	assert.Equal(t, "/models/pets "+modelPath, <-notified)

	labels, err := readLabels(filepath.Join(modelPath, labelsFile))
	require.NoError(t, err)
	assert.Equal(t, []string{"cats", "dogs"}, labels)

	b, err := ioutil.ReadFile(filepath.Join(modelPath, modelConfigFile))
	require.NoError(t, err)
	assert.Contains(t, string(b), "validationAccuracy")
	assert.Contains(t, string(b), "weightsFile: fine_tuned_model.weights")

	infers, err := l.Infer("pets", encodeImage(t, 200, rand.New(rand.NewSource(2))))
	require.NoError(t, err)
	require.Len(t, infers, 1)
	assert.Contains(t, []string{"cats", "dogs"}, infers[0].Label)
	assert.True(t, infers[0].Prob >= 0.5 && infers[0].Prob <= 1)

	_, err = l.Infer("pets", []byte("not an image"))
	assert.Error(t, err)
	_, err = l.Infer("birds", nil)
	assert.Error(t, err)

	// 다시 시작하면 학습을 마친 모델을 읽음
	reloaded := newLearning(t, modelsPath, baseConfig(t), "")
	assert.Equal(t, []string{"pets"}, reloaded.GetModels())
	assert.Equal(t, "ready", reloaded.GetModel("pets", false)["status"])

	require.NoError(t, l.DeleteModel("pets"))
	assert.Nil(t, l.GetModel("pets", false))
	_, err = os.Stat(modelPath)
	assert.True(t, os.IsNotExist(err))
	assert.Error(t, l.DeleteModel("pets"))
}

func TestCreateModelFails(t *testing.T) {
	images := t.TempDir()
	writeImages(t, images)

	cfg := baseConfig(t)
	cfg.Backbone.WeightsFile = filepath.Join(t.TempDir(), "missing.weights")
	l := newLearning(t, t.TempDir(), cfg, "")

	_, err := l.CreateModel("pets", CreateRequest{ImagePath: images, Trial: true})
	require.NoError(t, err)
	l.Wait()

	info := l.GetModel("pets", false)
	require.NotNil(t, info)
	assert.Equal(t, "fail", info["status"])
	assert.NotEmpty(t, info["error"])
	assert.Contains(t, info, "progress")

	_, err = l.Infer("pets", nil)
	assert.Error(t, err)

	_, err = l.CreateModel("", CreateRequest{})
	assert.Error(t, err)

	cfg.BatchSize = 0
	l = newLearning(t, t.TempDir(), cfg, "")
	_, err = l.CreateModel("bad", CreateRequest{ImagePath: images})
	assert.Error(t, err)
}

func TestModelHistory(t *testing.T) {
	images := t.TempDir()
	writeImages(t, images)

	// 처음부터 학습하는 단계만 마치고 backbone 가중치가 없어 실패
	cfg := baseConfig(t)
	cfg.Backbone.WeightsFile = filepath.Join(t.TempDir(), "missing.weights")
	store := &memStore{}
	l := newLearningWith(t, t.TempDir(), cfg, "", store)

	res, err := l.CreateModel("pets", CreateRequest{ImagePath: images, Epochs: 2})
	require.NoError(t, err)
	l.Wait()
	run := filepath.Base(res["modelPath"].(string))

	info := l.GetModel("pets", true)
	require.NotNil(t, info)
	history, ok := info["history"].(map[string][]training.EpochResult)
	require.True(t, ok)
	assert.Len(t, history["scratch"], 2)
	assert.NotContains(t, l.GetModel("pets", false), "history")

	require.NoError(t, l.DeleteModel("pets"))
	assert.Equal(t, []string{run}, store.forgotten)
	histories, err := store.Histories(run)
	require.NoError(t, err)
	assert.Empty(t, histories)
}
