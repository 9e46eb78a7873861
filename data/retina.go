package data

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
)

// Retina is a directory of fundus photographs laid out as
// <root>/<subject>/<time>.<png|jpg|jpeg>, where <time> is a number in
// months. Images are resized to the target size, kept as RGB and scaled
// to [-1, 1].
type Retina struct {
	subjects []*Subject
	h, w     int
}

func (r *Retina) Subjects() []*Subject { return r.subjects }

func (r *Retina) Geometry() (int, int, int) { return 3, r.h, r.w }

type retinaFile struct {
	subject int
	time    float64
	path    string
}

// LoadRetina walks root and decodes every image, workers files at a time.
// Subjects with fewer than two timepoints are skipped.
func LoadRetina(root string, h, w, workers int) (*Retina, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "read dataset root %s", root)
	}
	ret := &Retina{h: h, w: w}
	var files []retinaFile
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		found, err := scanSubject(filepath.Join(root, e.Name()))
		if err != nil {
			return nil, err
		}
		if len(found) < 2 {
			log.Debug().Str("subject", e.Name()).Int("images", len(found)).Msg("skipping subject with fewer than two timepoints")
			continue
		}
		subj := &Subject{ID: e.Name(), Images: make([][]float64, len(found))}
		for _, f := range found {
			f.subject = len(ret.subjects)
			subj.Times = append(subj.Times, f.time)
			files = append(files, f)
		}
		ret.subjects = append(ret.subjects, subj)
	}
	if len(ret.subjects) == 0 {
		return nil, errors.Wrapf(ErrContract, "no usable subjects under %s", root)
	}

	if workers <= 0 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	next := make(map[int]int)
	for _, f := range files {
		f := f
		slot := next[f.subject]
		next[f.subject]++
		g.Go(func() error {
			img, err := decodeResized(f.path, h, w)
			if err != nil {
				return err
			}
			ret.subjects[f.subject].Images[slot] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Info().Str("root", root).Int("subjects", len(ret.subjects)).Int("images", len(files)).Msg("retina dataset loaded")
	return ret, nil
}

func scanSubject(dir string) ([]retinaFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read subject dir %s", dir)
	}
	var out []retinaFile
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".png" && ext != ".jpg" && ext != ".jpeg") {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		t, err := strconv.ParseFloat(stem, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrContract, "image %s: file name is not a time", filepath.Join(dir, e.Name()))
		}
		out = append(out, retinaFile{time: t, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].time < out[j].time })
	for i := 1; i < len(out); i++ {
		if out[i].time == out[i-1].time {
			return nil, errors.Wrapf(ErrContract, "%s: duplicate time %g", dir, out[i].time)
		}
	}
	return out, nil
}

func decodeResized(path string, h, w int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := make([]float64, 3*h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px := dst.RGBAAt(x, y)
			for c, v := range [3]uint8{px.R, px.G, px.B} {
				out[c*h*w+y*w+x] = float64(v)/127.5 - 1
			}
		}
	}
	return out, nil
}
