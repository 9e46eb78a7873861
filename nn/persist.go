package nn

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ErrWeightsMismatch is returned when a weight file does not match the
// architecture it is loaded into.
var ErrWeightsMismatch = errors.New("weight file does not match network")

type savedParam struct {
	Name  string
	Shape []int
	Data  []float64
}

// Save writes every parameter to path, creating parent directories.
func (s *ParamSet) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	out := make([]savedParam, 0, len(s.params))
	for _, p := range s.params {
		out = append(out, savedParam{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape()...),
			Data:  p.Data(),
		})
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "create %s", tmp)
	}
	if err := gob.NewEncoder(f).Encode(out); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "encode %s", path)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "close %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, path), "rename %s", tmp)
}

// Load reads a file written by Save and copies the values into the existing
// tensors, so graphs already bound to the parameters see the new weights.
func (s *ParamSet) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	var in []savedParam
	if err := gob.NewDecoder(f).Decode(&in); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	if len(in) != len(s.params) {
		return errors.Wrapf(ErrWeightsMismatch, "%s has %d parameters, network has %d", path, len(in), len(s.params))
	}
	for _, sp := range in {
		p, ok := s.Lookup(sp.Name)
		if !ok {
			return errors.Wrapf(ErrWeightsMismatch, "unexpected parameter %s", sp.Name)
		}
		dst := p.Data()
		if len(sp.Data) != len(dst) || !sameShape(sp.Shape, p.Value.Shape()) {
			return errors.Wrapf(ErrWeightsMismatch, "%s: shape %v, want %v", sp.Name, sp.Shape, p.Value.Shape())
		}
	}
	for _, sp := range in {
		p, _ := s.Lookup(sp.Name)
		copy(p.Data(), sp.Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
