package dataset

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// writeTokens persists a token stream as little-endian fixed-width integers.
func writeTokens(path string, tokens []int, width int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	buf := make([]byte, width)
	for _, t := range tokens {
		switch width {
		case 2:
			if t < 0 || t >= 1<<16 {
				return fmt.Errorf("dataset: token %d does not fit in uint16", t)
			}
			binary.LittleEndian.PutUint16(buf, uint16(t))
		case 4:
			if t < 0 || int64(t) >= 1<<32 {
				return fmt.Errorf("dataset: token %d does not fit in uint32", t)
			}
			binary.LittleEndian.PutUint32(buf, uint32(t))
		default:
			return fmt.Errorf("dataset: unsupported token width %d", width)
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readTokens(path string, width int) ([]int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if width != 2 && width != 4 {
		return nil, fmt.Errorf("dataset: unsupported token width %d", width)
	}
	if len(b)%width != 0 {
		return nil, fmt.Errorf("dataset: %s is truncated: %d bytes is not a multiple of %d", path, len(b), width)
	}
	out := make([]int, len(b)/width)
	for i := range out {
		if width == 2 {
			out[i] = int(binary.LittleEndian.Uint16(b[i*2:]))
		} else {
			out[i] = int(binary.LittleEndian.Uint32(b[i*4:]))
		}
	}
	return out, nil
}

func writeManifest(path string, man Manifest) error {
	b, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func readManifest(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, err
	}
	defer f.Close()

	var man Manifest
	if err := json.NewDecoder(f).Decode(&man); err != nil && err != io.EOF {
		return Manifest{}, err
	}
	if man.VocabSize < 1 {
		return Manifest{}, fmt.Errorf("invalid manifest: vocab_size must be >= 1")
	}
	return man, nil
}
