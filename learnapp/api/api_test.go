package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/config"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/learning"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*gin.Engine, *learning.Learning) {
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.ImageWidth, cfg.ImageHeight = 32, 32
	cfg.BatchSize = 4
	cfg.TrainSamples = 8
	cfg.ValidationSamples = 4

	logger, _ := test.NewNullLogger()
	l, err := learning.New(learning.Config{
		ModelsPath: t.TempDir(),
		Base:       cfg,
		Logger:     logger,
	})
	require.NoError(t, err)
	t.Cleanup(l.Destroy)

	return NewRouter(&APIs{L: l}), l
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func imageForm(t *testing.T, field string) (*bytes.Buffer, string) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, "cat.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("not an image"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestModels(t *testing.T) {
	r, l := newTestRouter(t)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/models", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{}, decode(t, w)["models"])

	w = serve(r, httptest.NewRequest(http.MethodGet, "/models/pets", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["error"], "pets")

	w = serve(r, httptest.NewRequest(http.MethodDelete, "/models/pets", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = serve(r, httptest.NewRequest(http.MethodPost, "/models/pets", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 이미지 디렉토리가 없으므로 학습은 실패
	body := `{"imagePath": "` + filepath.Join(t.TempDir(), "missing") + `", "desc": "pets", "trial": true}`
	w = serve(r, httptest.NewRequest(http.MethodPost, "/models/pets", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode(t, w)
	assert.Equal(t, "pets", res["model"])
	assert.Equal(t, float64(1), res["epochs"])

	w = serve(r, httptest.NewRequest(http.MethodPost, "/models/pets", strings.NewReader(body)))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	l.Wait()

	w = serve(r, httptest.NewRequest(http.MethodGet, "/models/pets?verbose", nil))
	require.Equal(t, http.StatusOK, w.Code)
	info := decode(t, w)
	assert.Equal(t, "fail", info["status"])
	assert.Equal(t, "pets", info["description"])
	assert.NotEmpty(t, info["error"])
	assert.Contains(t, info, "trainingResult")

	w = serve(r, httptest.NewRequest(http.MethodGet, "/models", nil))
	assert.Equal(t, []interface{}{"pets"}, decode(t, w)["models"])

	w = serve(r, httptest.NewRequest(http.MethodDelete, "/models/pets", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestCreateModelDefaults(t *testing.T) {
	r, l := newTestRouter(t)

	w := serve(r, httptest.NewRequest(http.MethodPost, "/models/pets", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(10), decode(t, w)["epochs"])

	l.Wait()
}

func TestInfer(t *testing.T) {
	r, _ := newTestRouter(t)

	w := serve(r, httptest.NewRequest(http.MethodPost, "/inference/pets", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body, contentType := imageForm(t, "image")
	req := httptest.NewRequest(http.MethodPost, "/inference/pets", body)
	req.Header.Set("Content-Type", contentType)
	w = serve(r, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["error"], "No such model")

	body, contentType = imageForm(t, "image")
	req = httptest.NewRequest(http.MethodPost, "/inference", body)
	req.Header.Set("Content-Type", contentType)
	w = serve(r, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["error"], "default")
}
