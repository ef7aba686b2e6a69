// Package corpus turns a pre-tokenized token stream into calibration batches.
//
// Sampling uses an explicit seeded source so two runs with the same seed see
// the same windows in the same order.
package corpus

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"

	"github.com/goccy/go-json"
)

var ErrShortStream = errors.New("corpus: token stream shorter than sequence length")

// Batch is batch × sequence token ids, fed to the model as one forward pass.
type Batch struct {
	Tokens [][]int
}

// NumTokens returns the total number of token ids in the batch.
func (b Batch) NumTokens() int {
	n := 0
	for _, seq := range b.Tokens {
		n += len(seq)
	}
	return n
}

// LoadTokens reads a token id stream. A file whose first non-space byte is
// '[' is decoded as a JSON array; anything else is whitespace separated ids.
func LoadTokens(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokens: %w", err)
	}
	return ParseTokens(data)
}

func ParseTokens(data []byte) ([]int, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var ids []int
		if err := json.Unmarshal(trimmed, &ids); err != nil {
			return nil, fmt.Errorf("decode token array: %w", err)
		}
		return ids, nil
	}
	var ids []int
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	sc.Split(bufio.ScanWords)
	for sc.Scan() {
		id, err := strconv.Atoi(sc.Text())
		if err != nil {
			return nil, fmt.Errorf("token %d: %w", len(ids), err)
		}
		ids = append(ids, id)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Sampler draws calibration windows from a token stream.
type Sampler struct {
	rng *rand.Rand
}

func NewSampler(seed int64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewSource(seed))}
}

// Windows draws n windows of seqLen consecutive tokens, each starting at a
// uniformly random offset in [0, len(tokens)-seqLen].
func (s *Sampler) Windows(tokens []int, n, seqLen int) ([][]int, error) {
	if n <= 0 || seqLen <= 0 {
		return nil, fmt.Errorf("corpus: samples and seqlen must be positive (got %d, %d)", n, seqLen)
	}
	if len(tokens) < seqLen {
		return nil, fmt.Errorf("%w: %d < %d", ErrShortStream, len(tokens), seqLen)
	}
	out := make([][]int, n)
	for i := range out {
		start := s.rng.Intn(len(tokens) - seqLen + 1)
		out[i] = tokens[start : start+seqLen : start+seqLen]
	}
	return out, nil
}

// Synthetic returns n ids drawn uniformly from [0, vocab). It stands in for a
// real corpus in demos and tests.
func (s *Sampler) Synthetic(n, vocab int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = s.rng.Intn(vocab)
	}
	return out
}

// Batches groups windows into batches of at most batchSize sequences.
func Batches(windows [][]int, batchSize int) []Batch {
	if batchSize <= 0 {
		batchSize = 1
	}
	out := make([]Batch, 0, (len(windows)+batchSize-1)/batchSize)
	for i := 0; i < len(windows); i += batchSize {
		end := min(i+batchSize, len(windows))
		out = append(out, Batch{Tokens: windows[i:end:end]})
	}
	return out
}

// Shard splits batches into n contiguous shards for independent workers.
// Earlier shards take the remainder, so sizes differ by at most one.
func Shard(batches []Batch, n int) [][]Batch {
	if n <= 1 {
		return [][]Batch{batches}
	}
	n = min(n, max(len(batches), 1))
	out := make([][]Batch, n)
	size, rem := len(batches)/n, len(batches)%n
	off := 0
	for i := range out {
		k := size
		if i < rem {
			k++
		}
		out[i] = batches[off : off+k : off+k]
		off += k
	}
	return out
}

// SliceSource serves a fixed list of batches in order and returns io.EOF
// after the last one.
type SliceSource struct {
	batches []Batch
	pos     int
}

func NewSliceSource(batches []Batch) *SliceSource {
	return &SliceSource{batches: batches}
}

func (s *SliceSource) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	if s.pos >= len(s.batches) {
		return Batch{}, io.EOF
	}
	b := s.batches[s.pos]
	s.pos++
	return b, nil
}

// Len returns the number of batches the source holds in total.
func (s *SliceSource) Len() int {
	return len(s.batches)
}
