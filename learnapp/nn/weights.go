package nn

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	weightsMagic   = "LCNW"
	weightsVersion = uint32(1)
)

// 파라미터를 "층이름/파라미터이름" 키로 모음
func namedParams(s *Sequential) (keys []string, params map[string]*Param) {
	params = make(map[string]*Param)
	for _, l := range s.layers {
		for _, p := range l.Params() {
			key := l.Name() + "/" + p.Name
			keys = append(keys, key)
			params[key] = p
		}
	}
	return keys, params
}

// SaveWeights 네트워크의 모든 파라미터를 파일로 저장
func SaveWeights(path string, s *Sequential) (err error) {
	if !s.built {
		return errors.New("Cannot save weights of a network that is not built")
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "Fail to create weights file %s", path)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.Wrapf(cerr, "Fail to close weights file %s", path)
		}
	}()

	w := bufio.NewWriter(f)
	if err = WriteWeights(w, s); err != nil {
		return errors.Wrapf(err, "Fail to write weights %s", path)
	}

	return w.Flush()
}

// WriteWeights 파라미터를 w로 직렬화
func WriteWeights(w io.Writer, s *Sequential) error {
	keys, params := namedParams(s)

	if _, err := io.WriteString(w, weightsMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, weightsVersion); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(keys))); err != nil {
		return err
	}

	for _, key := range keys {
		if err := writeString(w, key); err != nil {
			return err
		}
		if _, err := params[key].Value.MarshalBinaryTo(w); err != nil {
			return errors.Wrapf(err, "Fail to encode %s", key)
		}
	}

	return nil
}

// LoadWeights 파일의 파라미터를 네트워크에 적용
// 층 이름과 파라미터 모양이 정확히 일치해야 한다
func LoadWeights(path string, s *Sequential) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "Fail to open weights file %s", path)
	}
	defer f.Close()

	if err := ReadWeights(bufio.NewReader(f), s); err != nil {
		return errors.Wrapf(err, "Fail to load weights %s", path)
	}

	return nil
}

// ReadWeights r에서 파라미터를 읽어 네트워크에 적용
func ReadWeights(r io.Reader, s *Sequential) error {
	if !s.built {
		return errors.New("Cannot load weights into a network that is not built")
	}

	magic := make([]byte, len(weightsMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return err
	}
	if string(magic) != weightsMagic {
		return errors.Errorf("Not a weights file (magic %q)", magic)
	}

	var version, count uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return err
	}
	if version != weightsVersion {
		return errors.Errorf("Unsupported weights version %d", version)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}

	keys, params := namedParams(s)
	if int(count) != len(keys) {
		return errors.Errorf("The number of saved(%d) and expected(%d) parameters does not match", count, len(keys))
	}

	loaded := make(map[string]*mat.Dense, count)
	for i := uint32(0); i < count; i++ {
		key, err := readString(r)
		if err != nil {
			return err
		}

		p, ok := params[key]
		if !ok {
			return errors.Errorf("Unexpected parameter %s", key)
		}

		var v mat.Dense
		if _, err := v.UnmarshalBinaryFrom(r); err != nil {
			return errors.Wrapf(err, "Fail to decode %s", key)
		}

		vr, vc := v.Dims()
		pr, pc := p.Value.Dims()
		if vr != pr || vc != pc {
			return errors.Errorf("Shape mismatch for %s: saved %dx%d, expected %dx%d", key, vr, vc, pr, pc)
		}
		loaded[key] = &v
	}

	if len(loaded) != len(keys) {
		return errors.Errorf("Duplicated parameters in weights (%d unique of %d)", len(loaded), len(keys))
	}

	// 모두 읽은 뒤에 적용
	for key, v := range loaded {
		params[key].Value.Copy(v)
	}

	return nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > 1<<16 {
		return "", errors.Errorf("Name too long (%d)", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
