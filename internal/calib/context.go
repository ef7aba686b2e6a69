// Package calib drives a calibration run: it attaches observation points to a
// model, feeds it batches, accumulates activation statistics and resolves them
// into a KV cache quantization manifest.
//
// A Context moves through Idle, Attached, Running, Finalized and Detached.
// Instrumentation is removed on every exit path: after a failed or cancelled
// Calibrate, and on Close.
package calib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/kvcalib/internal/corpus"
	"github.com/samcharles93/kvcalib/internal/instrument"
	"github.com/samcharles93/kvcalib/internal/logger"
	"github.com/samcharles93/kvcalib/internal/metrics"
	"github.com/samcharles93/kvcalib/internal/quant"
	"github.com/samcharles93/kvcalib/internal/stats"
	"github.com/samcharles93/kvcalib/pkg/manifest"
)

// Model is an instrumentable network that can run a forward pass without
// keeping any state between batches.
type Model interface {
	instrument.Instrumentable
	Forward(ctx context.Context, batch corpus.Batch) error
}

// BatchSource yields calibration batches until it returns io.EOF.
type BatchSource interface {
	Next(ctx context.Context) (corpus.Batch, error)
}

type State int

const (
	Idle State = iota
	Attached
	Running
	Finalized
	Detached
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Attached:
		return "attached"
	case Running:
		return "running"
	case Finalized:
		return "finalized"
	case Detached:
		return "detached"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Config struct {
	// LayerType and NormType are the architecture's type tags for attention
	// blocks and normalization layers. NormType may be empty.
	LayerType string
	NormType  string

	ModelID     string
	Scheme      quant.Scheme
	Granularity quant.Granularity
	BitWidth    int
	Histogram   stats.Options
	Seed        int64

	Metrics *metrics.Metrics
}

// DefaultConfig is asymmetric 8-bit per-tensor, the layout int8 KV kernels
// read.
func DefaultConfig() Config {
	return Config{
		Scheme:      quant.Asymmetric,
		Granularity: quant.PerTensor,
		BitWidth:    8,
	}
}

// normalize validates c and canonicalises the granularity spelling.
func (c *Config) normalize() error {
	if c.LayerType == "" {
		return errors.New("calib: layer type is required")
	}
	if err := quant.Validate(c.Scheme, c.BitWidth); err != nil {
		return err
	}
	g, err := quant.ParseGranularity(string(c.Granularity))
	if err != nil {
		return err
	}
	c.Granularity = g
	return nil
}

type record struct {
	handle instrument.LayerHandle
	role   instrument.TensorRole
	stats  *stats.ChannelStats
}

// Context owns the observation points and statistics of one calibration run.
// It is not safe for concurrent use.
type Context struct {
	model Model
	cfg   Config
	log   logger.Logger
	mgr   *instrument.Manager

	state     State
	finalized bool
	runID     string
	finished  time.Time

	handles []instrument.LayerHandle
	records []*record
	byPoint map[*instrument.ObservationPoint]*record

	batches         int
	tokens          int64
	anomalies       int64
	anomalousSlices int64
	stray           int64
	sinkErr         error
}

func New(model Model, cfg Config, log logger.Logger) *Context {
	if log == nil {
		log = logger.Discard()
	}
	runID := uuid.NewString()
	log = log.With("run_id", runID)
	return &Context{
		model: model,
		cfg:   cfg,
		log:   log,
		mgr:   instrument.NewManager(log),
		runID: runID,
	}
}

func (c *Context) State() State { return c.state }

func (c *Context) RunID() string { return c.runID }

// Handles returns the layers matched by Open in traversal order.
func (c *Context) Handles() []instrument.LayerHandle { return c.handles }

// Anomalies returns the non-finite values excluded so far and the number of
// observations that contained any.
func (c *Context) Anomalies() (values, slices int64) {
	return c.anomalies, c.anomalousSlices
}

// Open validates the configuration and attaches instrumentation. On error
// nothing is left attached and the context stays Idle.
func (c *Context) Open(ctx context.Context) error {
	if c.state != Idle {
		return &StateError{Op: "open", State: c.state}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.cfg.normalize(); err != nil {
		return err
	}

	handles, err := c.mgr.Attach(c.model, c.cfg.LayerType, c.cfg.NormType, observer{c})
	if err != nil {
		return err
	}
	points := c.mgr.Points()
	c.byPoint = make(map[*instrument.ObservationPoint]*record, len(points))
	c.records = make([]*record, 0, len(points))
	for _, p := range points {
		r := &record{handle: p.Handle, role: p.Role, stats: stats.NewChannelStats(c.cfg.Histogram)}
		c.byPoint[p] = r
		c.records = append(c.records, r)
	}
	c.handles = handles
	c.state = Attached
	c.cfg.Metrics.PointsAttached(len(points))
	c.log.Info("instrumentation attached",
		"layer_type", c.cfg.LayerType,
		"norm_type", c.cfg.NormType,
		"layers", len(handles),
		"points", len(points),
	)
	return nil
}

// Calibrate runs every batch from src through the model in order, then
// freezes the statistics. Any forward failure, panic or cancellation aborts
// the run with a *CalibrationRunError after detaching the instrumentation.
func (c *Context) Calibrate(ctx context.Context, src BatchSource) error {
	if c.state != Attached {
		return &StateError{Op: "calibrate", State: c.state}
	}
	c.state = Running
	started := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return c.fail(&CalibrationRunError{Batch: c.batches, Err: err})
		}
		batch, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return c.fail(&CalibrationRunError{Batch: c.batches, Err: fmt.Errorf("next batch: %w", err)})
		}

		t0 := time.Now()
		if err := safeForward(ctx, c.model, batch); err != nil {
			return c.fail(&CalibrationRunError{Batch: c.batches, Err: err})
		}
		if c.sinkErr != nil {
			return c.fail(&CalibrationRunError{Batch: c.batches, Err: c.sinkErr})
		}
		took := time.Since(t0)
		n := batch.NumTokens()
		c.batches++
		c.tokens += int64(n)
		c.cfg.Metrics.BatchDone(n, took)
		c.log.Debug("batch observed", "batch", c.batches, "tokens", n, "took", took)
	}

	if c.batches == 0 {
		return c.fail(&CalibrationRunError{Batch: 0, Err: ErrEmptyCorpus})
	}
	if err := c.finalize(); err != nil {
		return c.fail(&CalibrationRunError{Batch: c.batches, Err: err})
	}
	c.cfg.Metrics.RunFinished(metrics.OutcomeOK)
	c.log.Info("calibration finalized",
		"batches", c.batches,
		"tokens", c.tokens,
		"anomalies", c.anomalies,
		"took", time.Since(started),
	)
	return nil
}

// CalibrateSeq is Calibrate over an iterator of batches.
func (c *Context) CalibrateSeq(ctx context.Context, seq iter.Seq2[corpus.Batch, error]) error {
	next, stop := iter.Pull2(seq)
	defer stop()
	return c.Calibrate(ctx, pullSource(next))
}

type pullSource func() (corpus.Batch, error, bool)

func (p pullSource) Next(ctx context.Context) (corpus.Batch, error) {
	if err := ctx.Err(); err != nil {
		return corpus.Batch{}, err
	}
	b, err, ok := p()
	if !ok {
		return corpus.Batch{}, io.EOF
	}
	return b, err
}

func (c *Context) finalize() error {
	for _, r := range c.records {
		r.stats.Freeze()
		if r.stats.Count() > int64(c.batches) {
			return fmt.Errorf("%s/%s observed %d times in %d batches", r.handle.Name, r.role, r.stats.Count(), c.batches)
		}
		for ch, rs := range r.stats.Channels {
			if !rs.Empty() && rs.Min > rs.Max {
				return fmt.Errorf("%s/%s channel %d: min %v > max %v", r.handle.Name, r.role, ch, rs.Min, rs.Max)
			}
		}
	}
	c.state = Finalized
	c.finalized = true
	c.finished = time.Now().UTC()
	if c.stray > 0 {
		c.log.Warn("activations emitted outside calibration were ignored", "count", c.stray)
	}
	return nil
}

// fail tears down instrumentation after an aborted run. A detach error is
// logged; it never replaces the error that caused the abort.
func (c *Context) fail(err error) error {
	if derr := c.detach(); derr != nil {
		c.log.Error("detach after failed calibration", "error", derr)
	}
	outcome := metrics.OutcomeFailed
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		outcome = metrics.OutcomeCancelled
	}
	c.cfg.Metrics.RunFinished(outcome)
	c.log.Error("calibration aborted", "error", err, "batches", c.batches)
	return err
}

func (c *Context) detach() error {
	err := c.mgr.Detach()
	c.state = Detached
	c.cfg.Metrics.PointsDetached(len(c.records))
	return err
}

// Close detaches the instrumentation. It is safe to call more than once and
// in any state.
func (c *Context) Close() error {
	if c.state == Detached {
		return nil
	}
	if err := c.detach(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	c.log.Debug("calibration context closed", "finalized", c.finalized)
	return nil
}

func (c *Context) checkFinalized() error {
	if !c.finalized {
		return &NotFinalizedError{State: c.state}
	}
	return nil
}

// Manifest resolves the frozen statistics into quantization parameters.
func (c *Context) Manifest() (*manifest.Manifest, error) {
	snap, err := c.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Resolve(Resolution{
		Scheme:      c.cfg.Scheme,
		Granularity: c.cfg.Granularity,
		BitWidth:    c.cfg.BitWidth,
		RunID:       c.runID,
		CreatedAt:   c.finished,
	})
}

// Export resolves the manifest and writes it into dir atomically.
func (c *Context) Export(dir string) (*manifest.Manifest, error) {
	m, err := c.Manifest()
	if err != nil {
		return nil, err
	}
	path, err := manifest.Write(m, dir)
	if err != nil {
		return nil, err
	}
	c.log.Info("manifest exported", "path", path, "layers", len(m.Layers))
	return m, nil
}

// Run opens a context, calibrates over src and always closes it. The
// returned context is detached and finalized.
func Run(ctx context.Context, model Model, cfg Config, src BatchSource, log logger.Logger) (_ *Context, err error) {
	c := New(model, cfg, log)
	if err := c.Open(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	if err := c.Calibrate(ctx, src); err != nil {
		return nil, err
	}
	return c, nil
}

type observer struct {
	c *Context
}

// Observe is called by the model's registry for every emitted activation.
func (o observer) Observe(p *instrument.ObservationPoint, act instrument.Activation) {
	c := o.c
	if c.state != Running {
		c.stray++
		return
	}
	r, ok := c.byPoint[p]
	if !ok {
		c.stray++
		return
	}
	err := r.stats.Observe(act.Data, act.Channels, act.Width)
	c.cfg.Metrics.Observed(string(r.role))
	if err == nil {
		return
	}
	var ise *stats.InvalidSliceError
	if errors.As(err, &ise) {
		c.anomalies += ise.NonFinite
		c.anomalousSlices++
		c.cfg.Metrics.NonFinite(string(r.role), ise.NonFinite)
		c.log.Warn("non-finite activations excluded",
			"layer", r.handle.Name,
			"role", r.role,
			"batch", c.batches,
			"non_finite", ise.NonFinite,
			"total", ise.Total,
		)
		return
	}
	if c.sinkErr == nil {
		c.sinkErr = fmt.Errorf("observe %s/%s: %w", r.handle.Name, r.role, err)
	}
}

func safeForward(ctx context.Context, m Model, b corpus.Batch) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Forward: %v", rec)
		}
	}()
	return m.Forward(ctx, b)
}
