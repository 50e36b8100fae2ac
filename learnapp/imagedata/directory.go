package imagedata

import (
	"io/ioutil"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var imageFormats = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
	"gif":  true,
}

// Sample 이미지 파일 하나와 그 분류
type Sample struct {
	Path  string
	Label int
}

// Dataset 분류별 하위 디렉토리로 구성 된 이미지 데이터
type Dataset struct {
	Dir     string
	Classes []string
	Samples []Sample
}

// Scan dir의 하위 디렉토리를 분류로 하여 이미지 목록을 만듦
// 분류는 이름순으로 0부터 번호를 붙이고, 분류 안의 파일도 이름순으로 나열한다
func Scan(dir string) (*Dataset, error) {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "Fail to read image directory %s", dir)
	}

	ds := &Dataset{Dir: dir}
	for _, entry := range entries {
		if entry.IsDir() {
			ds.Classes = append(ds.Classes, entry.Name())
		}
	}
	sort.Strings(ds.Classes)

	if len(ds.Classes) == 0 {
		return nil, errors.Errorf("No class directories in %s", dir)
	}

	for label, class := range ds.Classes {
		classDir := filepath.Join(dir, class)
		files, err := ioutil.ReadDir(classDir)
		if err != nil {
			return nil, errors.Wrapf(err, "Fail to read class directory %s", classDir)
		}

		var names []string
		for _, file := range files {
			if file.IsDir() || !IsImage(file.Name()) {
				continue
			}
			names = append(names, file.Name())
		}
		sort.Strings(names)

		for _, name := range names {
			ds.Samples = append(ds.Samples, Sample{
				Path:  filepath.Join(classDir, name),
				Label: label,
			})
		}
	}

	if len(ds.Samples) == 0 {
		return nil, errors.Errorf("No images in %s", dir)
	}

	return ds, nil
}

// IsImage 확장자로 지원하는 이미지 파일인지 판단
func IsImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	return imageFormats[ext[1:]]
}

// Len 이미지 수
func (ds *Dataset) Len() int {
	return len(ds.Samples)
}

// Head 앞쪽 n개 이미지만 갖는 Dataset. n이 더 크면 전부
func (ds *Dataset) Head(n int) *Dataset {
	if n < 0 || n >= len(ds.Samples) {
		n = len(ds.Samples)
	}
	return &Dataset{
		Dir:     ds.Dir,
		Classes: ds.Classes,
		Samples: ds.Samples[:n],
	}
}

// Labels 이미지 순서대로의 분류 번호
func (ds *Dataset) Labels() []float64 {
	labels := make([]float64, len(ds.Samples))
	for i, s := range ds.Samples {
		labels[i] = float64(s.Label)
	}
	return labels
}

// Counts 분류별 이미지 수
func (ds *Dataset) Counts() map[string]int {
	counts := make(map[string]int, len(ds.Classes))
	for _, s := range ds.Samples {
		counts[ds.Classes[s.Label]]++
	}
	return counts
}
