package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"

	"github.com/calder93/kiln/internal/tensor"
)

// Save writes a state dict as an F32 safetensors file. Names are laid out
// in sorted order, so the same weights always produce the same bytes. The
// file is written to a temporary sibling and renamed into place.
func Save(path string, sd map[string]tensor.Mat) error {
	if len(sd) == 0 {
		return fmt.Errorf("checkpoint: empty state dict")
	}

	names := make([]string, 0, len(sd))
	for name := range sd {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]tensorHeader, len(sd))
	var off int64
	for _, name := range names {
		m := sd[name]
		if len(m.Data) != m.R*m.C {
			return fmt.Errorf("checkpoint: tensor %s: data length %d does not match shape %dx%d", name, len(m.Data), m.R, m.C)
		}
		n := int64(m.R) * int64(m.C) * 4
		header[name] = tensorHeader{
			DType:       "F32",
			Shape:       []int{m.R, m.C},
			DataOffsets: []int64{off, off + n},
		}
		off += n
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("checkpoint: encoding header: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := tmp.Write(lenBuf[:]); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("checkpoint: writing %s: %w", path, err)
	}
	if _, err := tmp.Write(headerBytes); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("checkpoint: writing %s: %w", path, err)
	}

	buf := make([]byte, 0, 1<<16)
	for _, name := range names {
		buf = buf[:0]
		for _, v := range sd[name].Data {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
		if _, err := tmp.Write(buf); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("checkpoint: writing %s: %w", path, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: writing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// Load reads every tensor of a checkpoint into a state dict. One- and
// two-dimensional tensors are accepted; a 1-D tensor of n elements becomes
// a 1xn matrix.
func Load(path string) (map[string]tensor.Mat, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]tensor.Mat, len(f.Tensors))
	for name := range f.Tensors {
		data, info, err := f.ReadTensorF32(name)
		if err != nil {
			return nil, err
		}
		var r, c int
		switch len(info.Shape) {
		case 1:
			r, c = 1, info.Shape[0]
		case 2:
			r, c = info.Shape[0], info.Shape[1]
		default:
			return nil, fmt.Errorf("checkpoint: tensor %s: unsupported rank %d", name, len(info.Shape))
		}
		out[name] = tensor.NewMatFromData(r, c, data)
	}
	return out, nil
}
