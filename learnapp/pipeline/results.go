package pipeline

import (
	"io/ioutil"
	"os"

	"github.com/harrison-roh/image-classification-from-little-data/learnapp/report"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/training"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// StageResult 한 단계의 학습 결과
type StageResult struct {
	Run            string          `yaml:"run"`
	WeightsFile    string          `yaml:"weightsFile"`
	PlotFile       string          `yaml:"plotFile,omitempty"`
	TrainingResult training.Result `yaml:"trainingResult"`
	Summary        report.Summary  `yaml:"summary"`
}

// Results 출력 디렉토리의 단계별 학습 결과
type Results struct {
	Stages map[Stage]StageResult `yaml:"stages"`
}

// LoadResults 결과 파일 읽기. 파일이 없으면 빈 결과
func LoadResults(path string) (*Results, error) {
	results := &Results{Stages: make(map[Stage]StageResult)}

	b, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return results, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "Fail to read results: %s", path)
	}

	if err := yaml.Unmarshal(b, results); err != nil {
		return nil, errors.Wrapf(err, "Fail to parse results: %s", path)
	}
	if results.Stages == nil {
		results.Stages = make(map[Stage]StageResult)
	}

	return results, nil
}

// Save 결과 파일 쓰기
func (rs *Results) Save(path string) error {
	b, err := yaml.Marshal(rs)
	if err != nil {
		return err
	}

	if err := ioutil.WriteFile(path, b, 0644); err != nil {
		return errors.Wrapf(err, "Fail to write results: %s", path)
	}

	return nil
}

// Results 지금까지의 단계별 결과 (이전 실행에서 남은 단계 포함)
func (r *Runner) Results() (*Results, error) {
	if r.results != nil {
		return r.results, nil
	}

	results, err := LoadResults(r.cfg.ResultsPath())
	if err != nil {
		return nil, err
	}
	r.results = results

	return results, nil
}

// 단계 결과를 요약하고 결과 파일과 그래프를 남김
func (r *Runner) finish(stage Stage, h *training.History, weights string) error {
	logger := r.stageLogger(stage)

	summary, err := report.Summarize(h)
	if err != nil {
		return err
	}
	logger.Info(summary.String())

	res := StageResult{
		Run:            r.run,
		WeightsFile:    weights,
		TrainingResult: h.Result(),
		Summary:        summary,
	}

	if r.cfg.Plots {
		res.PlotFile = r.cfg.OutputPath(string(stage) + "_history.png")
		if err := report.PlotHistory(h, res.PlotFile); err != nil {
			// 그래프는 결과에 영향을 주지 않음
			logger.WithError(err).Warn("Fail to plot history")
			res.PlotFile = ""
		}
	}

	results, err := r.Results()
	if err != nil {
		return err
	}
	results.Stages[stage] = res

	return results.Save(r.cfg.ResultsPath())
}
