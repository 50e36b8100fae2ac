package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/constants"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/learning"
)

// APIs api 핸들러
type APIs struct {
	L *learning.Learning
}

// NewRouter 학습 서비스 라우터 생성
func NewRouter(a *APIs) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.MaxMultipartMemory = 8 << 20

	inferenceGroup := r.Group("/inference")
	{
		inferenceGroup.POST("", a.InferDefault)
		inferenceGroup.POST(":model", a.InferWithModel)
	}

	modelsGroup := r.Group("/models")
	{
		modelsGroup.GET("", a.ListModels)
		modelsGroup.GET(":model", a.ShowModel)
		modelsGroup.POST(":model", a.CreateModel)
		modelsGroup.DELETE(":model", a.DeleteModel)
	}

	return r
}

// ListModels 학습 모델 목록 반환
func (a *APIs) ListModels(c *gin.Context) {
	models := a.L.GetModels()
	c.JSON(http.StatusOK, gin.H{
		"models": models,
	})
}

// ShowModel 학습 모델 정보 반환
func (a *APIs) ShowModel(c *gin.Context) {
	model := c.Param("model")
	_, verbose := c.GetQuery("verbose")

	if info := a.L.GetModel(model, verbose); info != nil {
		c.JSON(http.StatusOK, info)
	} else {
		Error(c, http.StatusBadRequest, fmt.Errorf("Cannot find model info: %s", model))
	}
}

// CreateModel model 학습 요청
func (a *APIs) CreateModel(c *gin.Context) {
	model := c.Param("model")
	if model == "" {
		Error(c, http.StatusBadRequest, errors.New("Empty model name"))
		return
	}

	var req learning.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		Error(c, http.StatusBadRequest, err)
		return
	}
	if req.Epochs <= 0 {
		req.Epochs = constants.TrainEpochs
	}

	if res, err := a.L.CreateModel(model, req); err != nil {
		Error(c, http.StatusInternalServerError, err)
	} else {
		c.JSON(http.StatusOK, res)
	}
}

// DeleteModel model 삭제
func (a *APIs) DeleteModel(c *gin.Context) {
	model := c.Param("model")
	if model == "" {
		Error(c, http.StatusBadRequest, errors.New("Empty model name"))
		return
	}

	if err := a.L.DeleteModel(model); err != nil {
		Error(c, http.StatusInternalServerError, err)
	} else {
		c.String(http.StatusOK, "OK")
	}
}

// InferDefault 기본 모델을 이용한 추론
func (a *APIs) InferDefault(c *gin.Context) {
	a.infer(c, constants.DefaultModelName)
}

// InferWithModel 모델을 이용한 추론
func (a *APIs) InferWithModel(c *gin.Context) {
	model := c.Param("model")
	a.infer(c, model)
}

func (a *APIs) infer(c *gin.Context, model string) {
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}
	defer file.Close()

	var image bytes.Buffer
	n, err := io.Copy(&image, file)
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}

	t0 := time.Now()
	if infers, err := a.L.Infer(model, image.Bytes()); err == nil {
		elapsed := time.Since(t0)
		c.JSON(http.StatusOK, gin.H{
			"file":        header.Filename,
			"bytes":       n,
			"inference":   infers,
			"elapsed(ms)": elapsed.Milliseconds(),
		})
	} else {
		Error(c, http.StatusBadRequest, err)
	}
}

// HTTPError api 에러 메시지
type HTTPError struct {
	Error string `json:"error"`
}

// Error api 에러를 담은 json 응답 생성
func Error(c *gin.Context, status int, err error) {
	c.JSON(status, HTTPError{
		Error: err.Error(),
	})
}
