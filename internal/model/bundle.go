// Package model persists trained twin networks and training checkpoints.
//
// A bundle is a short magic header followed by a zstd-compressed gob stream
// holding the architecture descriptor and every named parameter. Loading
// rebuilds the network from the descriptor, so no type registry is needed.
package model

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"

	"github.com/andresmejia3/faceverify/internal/event"
	"github.com/andresmejia3/faceverify/internal/nn"
	"github.com/andresmejia3/faceverify/internal/types"
)

var log = event.Log

var bundleMagic = []byte("FVMODEL\x01")

// Tensor is one persisted parameter.
type Tensor struct {
	Name  string
	Shape []int
	Value []float64
}

// Meta describes how a bundle was trained.
type Meta struct {
	RunID string
	// DatasetSeed reproduces the train/test split the model was fitted on.
	DatasetSeed int64
}

type bundle struct {
	Architecture *nn.Architecture
	Params       []Tensor
	Meta         Meta
}

// Snapshot copies the current parameter values of s.
func Snapshot(s *nn.Siamese) []Tensor {
	params := s.Params()
	out := make([]Tensor, len(params))
	for i, p := range params {
		out[i] = Tensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Value: append([]float64(nil), p.Value...),
		}
	}
	return out
}

// Restore copies saved tensors into s. Every parameter of s must be present
// with a matching size.
func Restore(s *nn.Siamese, tensors []Tensor) error {
	byName := make(map[string]Tensor, len(tensors))
	for _, t := range tensors {
		byName[t.Name] = t
	}
	for _, p := range s.Params() {
		t, ok := byName[p.Name]
		if !ok {
			return &types.ModelLoadError{Reason: fmt.Sprintf("parameter %s missing", p.Name)}
		}
		if len(t.Value) != p.Len() {
			return &types.ModelLoadError{Reason: fmt.Sprintf("parameter %s has %d values, want %d", p.Name, len(t.Value), p.Len())}
		}
		copy(p.Value, t.Value)
	}
	return nil
}

func writeFramed(w io.Writer, magic []byte, v any) error {
	if _, err := w.Write(magic); err != nil {
		return err
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(zw).Encode(v); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func readFramed(r io.Reader, magic []byte, v any) error {
	head := make([]byte, len(magic))
	if _, err := io.ReadFull(r, head); err != nil {
		return &types.ModelLoadError{Reason: "truncated header", Err: err}
	}
	if !bytes.Equal(head, magic) {
		return &types.ModelLoadError{Reason: "unrecognised file header"}
	}
	zr, err := zstd.NewReader(r)
	if err != nil {
		return &types.ModelLoadError{Reason: "open decompressor", Err: err}
	}
	defer zr.Close()
	if err := gob.NewDecoder(zr).Decode(v); err != nil {
		return &types.ModelLoadError{Reason: "decode", Err: err}
	}
	return nil
}

// Save writes s as a bundle.
func Save(w io.Writer, s *nn.Siamese, meta Meta) error {
	arch := s.Architecture()
	return writeFramed(w, bundleMagic, bundle{Architecture: &arch, Params: Snapshot(s), Meta: meta})
}

// Load reads a bundle and rebuilds the network it describes.
func Load(r io.Reader) (*nn.Siamese, Meta, error) {
	var b bundle
	if err := readFramed(r, bundleMagic, &b); err != nil {
		return nil, Meta{}, err
	}
	if b.Architecture == nil {
		return nil, Meta{}, &types.ModelLoadError{Reason: "architecture descriptor missing"}
	}
	if err := b.Architecture.Validate(); err != nil {
		return nil, Meta{}, &types.ModelLoadError{Reason: "architecture descriptor", Err: err}
	}

	s, err := nn.NewSiamese(*b.Architecture, nil)
	if err != nil {
		return nil, Meta{}, &types.ModelLoadError{Reason: "build network", Err: err}
	}
	if err := Restore(s, b.Params); err != nil {
		return nil, Meta{}, err
	}
	return s, b.Meta, nil
}

// SaveFile writes a bundle to path, replacing any existing file.
func SaveFile(path string, s *nn.Siamese, meta Meta) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(f)
	if err := Save(bw, s, meta); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("save model: %w", err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	if info, err := os.Stat(path); err == nil {
		log.Infof("model: saved %s parameters to %s (%s)",
			humanize.Comma(int64(s.Params().Count())), path, humanize.Bytes(uint64(info.Size())))
	}
	return nil
}

// LoadFile reads a bundle from path.
func LoadFile(path string) (*nn.Siamese, Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Meta{}, &types.ModelLoadError{Reason: "open " + path, Err: err}
	}
	defer f.Close()

	s, meta, err := Load(bufio.NewReader(f))
	if err != nil {
		return nil, Meta{}, err
	}
	log.Debugf("model: loaded %s (%s parameters, run %s)", path, humanize.Comma(int64(s.Params().Count())), meta.RunID)
	return s, meta, nil
}
