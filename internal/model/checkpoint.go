package model

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/andresmejia3/faceverify/internal/nn"
	"github.com/andresmejia3/faceverify/internal/types"
)

var checkpointMagic = []byte("FVCKPT\x00\x01")

// Checkpoint is the full training state after an epoch.
type Checkpoint struct {
	RunID        string
	Epoch        int
	DatasetSeed  int64 // Shuffle seed of the dataset the run trains on.
	Architecture nn.Architecture
	Optimizer    nn.Adam
	Params       []Tensor
	CreatedAt    time.Time
}

// NewCheckpoint captures the network parameters and optimizer state.
func NewCheckpoint(runID string, epoch int, s *nn.Siamese, opt *nn.Adam) *Checkpoint {
	return &Checkpoint{
		RunID:        runID,
		Epoch:        epoch,
		Architecture: s.Architecture(),
		Optimizer:    copyAdam(opt),
		Params:       Snapshot(s),
		CreatedAt:    time.Now().UTC(),
	}
}

func copyAdam(opt *nn.Adam) nn.Adam {
	out := *opt
	out.State.M = make(map[string][]float64, len(opt.State.M))
	out.State.V = make(map[string][]float64, len(opt.State.V))
	for k, v := range opt.State.M {
		out.State.M[k] = append([]float64(nil), v...)
	}
	for k, v := range opt.State.V {
		out.State.V[k] = append([]float64(nil), v...)
	}
	return out
}

// Model rebuilds the network the checkpoint was taken from.
func (c *Checkpoint) Model() (*nn.Siamese, error) {
	s, err := nn.NewSiamese(c.Architecture, nil)
	if err != nil {
		return nil, err
	}
	if err := Restore(s, c.Params); err != nil {
		return nil, err
	}
	return s, nil
}

// Encode writes the checkpoint in the framed, compressed format.
func (c *Checkpoint) Encode(w io.Writer) error {
	return writeFramed(w, checkpointMagic, c)
}

// DecodeCheckpoint reads a checkpoint written by Encode.
func DecodeCheckpoint(r io.Reader) (*Checkpoint, error) {
	var c Checkpoint
	if err := readFramed(r, checkpointMagic, &c); err != nil {
		return nil, err
	}
	if err := c.Architecture.Validate(); err != nil {
		return nil, &types.ModelLoadError{Reason: "checkpoint architecture", Err: err}
	}
	return &c, nil
}

// Marshal returns the encoded checkpoint.
func (c *Checkpoint) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CheckpointSink receives checkpoints during training.
type CheckpointSink interface {
	SaveCheckpoint(ctx context.Context, c *Checkpoint) error
}

// MultiSink hands every checkpoint to each sink in order.
type MultiSink []CheckpointSink

// SaveCheckpoint stops at the first failing sink.
func (m MultiSink) SaveCheckpoint(ctx context.Context, c *Checkpoint) error {
	for _, s := range m {
		if err := s.SaveCheckpoint(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// CheckpointSource returns the most recent checkpoint for resuming.
type CheckpointSource interface {
	LatestCheckpoint(ctx context.Context) (*Checkpoint, error)
}

// DirCheckpoints stores checkpoints as ckpt-<epoch>.bin files in Dir.
type DirCheckpoints struct {
	Dir string
}

// NewDirCheckpoints creates dir if needed.
func NewDirCheckpoints(dir string) (*DirCheckpoints, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &DirCheckpoints{Dir: dir}, nil
}

// Path returns the file holding the checkpoint of epoch.
func (d *DirCheckpoints) Path(epoch int) string {
	return filepath.Join(d.Dir, fmt.Sprintf("ckpt-%d.bin", epoch))
}

// SaveCheckpoint writes c to its epoch file.
func (d *DirCheckpoints) SaveCheckpoint(_ context.Context, c *Checkpoint) error {
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	path := d.Path(c.Epoch)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	log.Infof("model: checkpoint epoch %d written to %s (%s)", c.Epoch, path, humanize.Bytes(uint64(len(data))))
	return nil
}

// Epochs lists the epochs with a checkpoint file, ascending.
func (d *DirCheckpoints) Epochs() ([]int, error) {
	entries, err := os.ReadDir(d.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var epochs []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "ckpt-") || !strings.HasSuffix(name, ".bin") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "ckpt-"), ".bin"))
		if err != nil {
			continue
		}
		epochs = append(epochs, n)
	}
	sort.Ints(epochs)
	return epochs, nil
}

// Load reads the checkpoint for epoch.
func (d *DirCheckpoints) Load(epoch int) (*Checkpoint, error) {
	f, err := os.Open(d.Path(epoch))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeCheckpoint(bufio.NewReader(f))
}

// Latest returns the checkpoint with the highest epoch.
func (d *DirCheckpoints) Latest() (*Checkpoint, error) {
	epochs, err := d.Epochs()
	if err != nil {
		return nil, err
	}
	if len(epochs) == 0 {
		return nil, types.ErrCheckpointMissing
	}
	return d.Load(epochs[len(epochs)-1])
}

// LatestCheckpoint implements CheckpointSource.
func (d *DirCheckpoints) LatestCheckpoint(context.Context) (*Checkpoint, error) {
	return d.Latest()
}
