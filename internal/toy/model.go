// Package toy implements a small deterministic decoder-only transformer. It is
// the reference model adapter: it lists its sublayers in execution order and
// emits attention keys/values and normalization inputs into its observation
// registry during Forward.
package toy

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/kvcalib/internal/corpus"
	"github.com/samcharles93/kvcalib/internal/instrument"
	"github.com/samcharles93/kvcalib/internal/tensor"
)

// Type tags reported by Sublayers. Pass them to the instrumentation manager
// the way a real architecture's class names would be passed.
const (
	DecoderLayerType = "ToyDecoderLayer"
	RMSNormType      = "ToyRMSNorm"
	EmbeddingType    = "ToyEmbedding"
)

const rmsEps = 1e-6

type Config struct {
	Vocab   int
	Hidden  int
	Layers  int
	Heads   int
	KVHeads int
	Seed    int64

	// LayerType and NormType override the reported type tags so the toy
	// model can stand in for a real architecture. Empty keeps the defaults.
	LayerType string
	NormType  string
}

func DefaultConfig() Config {
	return Config{Vocab: 64, Hidden: 16, Layers: 2, Heads: 4, KVHeads: 2, Seed: 1}
}

type block struct {
	name     string
	normName string
	norm     []float32
	wq       tensor.Mat // [Heads*headDim x Hidden]
	wk       tensor.Mat // [KVHeads*headDim x Hidden]
	wv       tensor.Mat // [KVHeads*headDim x Hidden]
	wo       tensor.Mat // [Hidden x Heads*headDim]
}

// Model is the toy decoder. Forward is not safe for concurrent use; one run
// drives one Model.
type Model struct {
	cfg       Config
	headDim   int
	emb       tensor.Mat
	blocks    []block
	finalNorm []float32
	hooks     instrument.Registry

	// FailAt makes the n-th Forward call (1-based) return an error and
	// PanicAt makes it panic. Zero disables either.
	FailAt  int
	PanicAt int
	calls   int
}

func New(cfg Config) (*Model, error) {
	switch {
	case cfg.Vocab <= 0 || cfg.Hidden <= 0 || cfg.Layers <= 0:
		return nil, fmt.Errorf("toy: vocab, hidden and layers must be positive: %+v", cfg)
	case cfg.Heads <= 0 || cfg.Hidden%cfg.Heads != 0:
		return nil, fmt.Errorf("toy: hidden %d not divisible by heads %d", cfg.Hidden, cfg.Heads)
	case cfg.KVHeads <= 0 || cfg.Heads%cfg.KVHeads != 0:
		return nil, fmt.Errorf("toy: heads %d not divisible by kv heads %d", cfg.Heads, cfg.KVHeads)
	}
	hd := cfg.Hidden / cfg.Heads
	m := &Model{
		cfg:     cfg,
		headDim: hd,
		emb:     tensor.NewMat(cfg.Vocab, cfg.Hidden),
		blocks:  make([]block, cfg.Layers),
	}
	tensor.FillRand(&m.emb, cfg.Seed+11, 1)
	amp := float32(1 / math.Sqrt(float64(cfg.Hidden)))
	for i := range m.blocks {
		seed := cfg.Seed + int64(i+1)*101
		b := block{
			name:     fmt.Sprintf("model.layers.%d", i),
			normName: fmt.Sprintf("model.layers.%d.input_layernorm", i),
			norm:     normWeights(cfg.Hidden, seed),
			wq:       tensor.NewMat(cfg.Heads*hd, cfg.Hidden),
			wk:       tensor.NewMat(cfg.KVHeads*hd, cfg.Hidden),
			wv:       tensor.NewMat(cfg.KVHeads*hd, cfg.Hidden),
			wo:       tensor.NewMat(cfg.Hidden, cfg.Heads*hd),
		}
		tensor.FillRand(&b.wq, seed+1, amp)
		tensor.FillRand(&b.wk, seed+2, amp)
		tensor.FillRand(&b.wv, seed+3, amp)
		tensor.FillRand(&b.wo, seed+4, amp)
		m.blocks[i] = b
	}
	m.finalNorm = normWeights(cfg.Hidden, cfg.Seed+7)
	return m, nil
}

func normWeights(n int, seed int64) []float32 {
	w := tensor.NewMat(1, n)
	tensor.FillRand(&w, seed, 0.1)
	for i := range w.Data {
		w.Data[i] += 1
	}
	return w.Data
}

// LayerType is the type tag reported for decoder blocks.
func (m *Model) LayerType() string {
	if m.cfg.LayerType != "" {
		return m.cfg.LayerType
	}
	return DecoderLayerType
}

// NormType is the type tag reported for normalization layers.
func (m *Model) NormType() string {
	if m.cfg.NormType != "" {
		return m.cfg.NormType
	}
	return RMSNormType
}

func (m *Model) Config() Config {
	return m.cfg
}

// HeadDim returns the per-head width of K/V activations.
func (m *Model) HeadDim() int {
	return m.headDim
}

// Calls returns the number of Forward invocations so far.
func (m *Model) Calls() int {
	return m.calls
}

// Sublayers lists the layer hierarchy in execution order.
func (m *Model) Sublayers() []instrument.Sublayer {
	out := make([]instrument.Sublayer, 0, 2*len(m.blocks)+2)
	out = append(out, instrument.Sublayer{Name: "model.embed_tokens", Type: EmbeddingType})
	for _, b := range m.blocks {
		out = append(out,
			instrument.Sublayer{Name: b.normName, Type: m.NormType()},
			instrument.Sublayer{Name: b.name, Type: m.LayerType()},
		)
	}
	out = append(out, instrument.Sublayer{Name: "model.norm", Type: m.NormType()})
	return out
}

// Hooks returns the model's observation registry.
func (m *Model) Hooks() *instrument.Registry {
	return &m.hooks
}

// Forward runs the whole batch through the decoder with causal attention
// inside each sequence. Token ids outside [0, Vocab) are wrapped.
func (m *Model) Forward(ctx context.Context, batch corpus.Batch) error {
	m.calls++
	if m.PanicAt > 0 && m.calls == m.PanicAt {
		panic(fmt.Sprintf("toy: simulated kernel panic on forward %d", m.calls))
	}
	if m.FailAt > 0 && m.calls == m.FailAt {
		return fmt.Errorf("toy: simulated device out of memory on forward %d", m.calls)
	}

	nTok := batch.NumTokens()
	if nTok == 0 {
		return errors.New("toy: empty batch")
	}
	H := m.cfg.Hidden
	hd := m.headDim
	qDim := m.cfg.Heads * hd
	kvDim := m.cfg.KVHeads * hd

	x := make([]float32, nTok*H)
	t := 0
	for _, seq := range batch.Tokens {
		for _, id := range seq {
			m.emb.RowTo(x[t*H:(t+1)*H], wrap(id, m.cfg.Vocab))
			t++
		}
	}

	normed := make([]float32, nTok*H)
	q := make([]float32, nTok*qDim)
	k := make([]float32, nTok*kvDim)
	v := make([]float32, nTok*kvDim)
	attn := make([]float32, nTok*qDim)
	proj := make([]float32, H)
	scores := make([]float32, maxSeqLen(batch))

	for bi := range m.blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		b := &m.blocks[bi]

		m.emitNorm(b.normName, x, b.norm)
		for t := range nTok {
			tensor.RMSNorm(normed[t*H:(t+1)*H], x[t*H:(t+1)*H], b.norm, rmsEps)
			row := normed[t*H : (t+1)*H]
			tensor.MatVec(q[t*qDim:(t+1)*qDim], &b.wq, row)
			tensor.MatVec(k[t*kvDim:(t+1)*kvDim], &b.wk, row)
			tensor.MatVec(v[t*kvDim:(t+1)*kvDim], &b.wv, row)
		}
		m.hooks.Emit(b.name, instrument.Key, instrument.Activation{Data: k, Channels: m.cfg.KVHeads, Width: hd})
		m.hooks.Emit(b.name, instrument.Value, instrument.Activation{Data: v, Channels: m.cfg.KVHeads, Width: hd})

		m.attention(batch, q, k, v, attn, scores)
		for t := range nTok {
			tensor.MatVec(proj, &b.wo, attn[t*qDim:(t+1)*qDim])
			tensor.Add(x[t*H:(t+1)*H], proj)
		}
	}

	m.emitNorm("model.norm", x, m.finalNorm)
	return nil
}

func (m *Model) emitNorm(name string, x, weight []float32) {
	m.hooks.Emit(name, instrument.NormalizationInput, instrument.Activation{Data: x, Channels: 1})
	m.hooks.Emit(name, instrument.NormalizationWeight, instrument.Activation{Data: weight, Channels: 1})
}

// attention computes causal grouped-query attention per sequence.
func (m *Model) attention(batch corpus.Batch, q, k, v, out, scores []float32) {
	hd := m.headDim
	qDim := m.cfg.Heads * hd
	kvDim := m.cfg.KVHeads * hd
	group := m.cfg.Heads / m.cfg.KVHeads
	scale := float32(1 / math.Sqrt(float64(hd)))

	start := 0
	for _, seq := range batch.Tokens {
		for t := range len(seq) {
			qi := start + t
			for h := range m.cfg.Heads {
				kvh := h / group
				qh := q[qi*qDim+h*hd : qi*qDim+(h+1)*hd]
				s := scores[:t+1]
				for j := range s {
					kj := k[(start+j)*kvDim+kvh*hd : (start+j)*kvDim+(kvh+1)*hd]
					s[j] = tensor.Dot(qh, kj) * scale
				}
				tensor.Softmax(s)
				o := out[qi*qDim+h*hd : qi*qDim+(h+1)*hd]
				clear(o)
				for j, p := range s {
					vj := v[(start+j)*kvDim+kvh*hd : (start+j)*kvDim+(kvh+1)*hd]
					for d := range o {
						o[d] += p * vj[d]
					}
				}
			}
		}
		start += len(seq)
	}
}

func wrap(id, vocab int) int {
	id %= vocab
	if id < 0 {
		id += vocab
	}
	return id
}

func maxSeqLen(b corpus.Batch) int {
	n := 0
	for _, seq := range b.Tokens {
		n = max(n, len(seq))
	}
	return n
}
