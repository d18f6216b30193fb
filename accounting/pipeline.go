package accounting

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/tokenmeter/types"
)

const (
	// DefaultDebounce is the quiet period before a qualifying change triggers a recount.
	DefaultDebounce = 300 * time.Millisecond

	instrumentationName = "github.com/BaSui01/tokenmeter/accounting"
)

// Recompute outcomes reported to MetricsRecorder.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// MetricsRecorder receives pipeline events.
type MetricsRecorder interface {
	RecordRecompute(outcome string, duration time.Duration)
	RecordStaleDiscard()
}

type nopRecorder struct{}

func (nopRecorder) RecordRecompute(string, time.Duration) {}
func (nopRecorder) RecordStaleDiscard()                   {}

// Config 配置 Pipeline.
type Config struct {
	Debounce   time.Duration `yaml:"debounce" json:"debounce"`
	TokenLimit int           `yaml:"token_limit" json:"token_limit"`
	// CountTimeout bounds one recomputation. Zero means no bound: a hung
	// counter leaves the pipeline counting until the next change supersedes it.
	CountTimeout time.Duration `yaml:"count_timeout" json:"count_timeout"`
}

// DefaultConfig returns the stock debounce and limit.
func DefaultConfig() Config {
	return Config{
		Debounce:   DefaultDebounce,
		TokenLimit: types.DefaultTokenLimit,
	}
}

// Observer is notified after every state transition.
type Observer func(Snapshot)

// Pipeline keeps the token totals of one chat session current.
//
// Input changes are debounced; each dispatched recomputation is tagged with a
// generation and its result is applied only if no newer recomputation was
// dispatched in the meantime. In-flight work is never cancelled, only ignored.
type Pipeline struct {
	counter Counter
	history HistorySource
	logger  *zap.Logger
	metrics MetricsRecorder
	cfg     Config

	mu       sync.Mutex
	text     string
	files    []types.Attachment
	timer    *time.Timer
	timerSeq uint64
	gen      uint64
	applied  string // signature of the last applied result
	st       state
	version  uint64
	closed   bool
	inflight sync.WaitGroup

	// observers are invoked outside mu, one transition at a time
	notifyMu      sync.Mutex
	observers     map[int]Observer
	nextObserver  int
	lastDelivered uint64
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithHistorySource adds the remote history term.
func WithHistorySource(h HistorySource) PipelineOption {
	return func(p *Pipeline) { p.history = h }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) PipelineOption {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(logger *zap.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline creates an idle pipeline.
func NewPipeline(counter Counter, cfg Config, opts ...PipelineOption) *Pipeline {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.TokenLimit <= 0 {
		cfg.TokenLimit = types.DefaultTokenLimit
	}
	p := &Pipeline{
		counter:   counter,
		cfg:       cfg,
		logger:    zap.NewNop(),
		metrics:   nopRecorder{},
		st:        newState(cfg.TokenLimit),
		observers: make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "accounting"))
	return p
}

// =============================================================================
// 📝 输入变更（去抖）
// =============================================================================

// SetText replaces the prompt text.
func (p *Pipeline) SetText(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.text = text
	p.scheduleLocked()
}

// SetFiles replaces the attachment list.
func (p *Pipeline) SetFiles(files []types.Attachment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files = slices.Clone(files)
	p.scheduleLocked()
}

// AddFile appends one attachment.
func (p *Pipeline) AddFile(f types.Attachment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files = append(p.files, f)
	p.scheduleLocked()
}

// RemoveFile removes the first attachment called name.
func (p *Pipeline) RemoveFile(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := slices.IndexFunc(p.files, func(f types.Attachment) bool { return f.Name == name })
	if i < 0 {
		return false
	}
	p.files = slices.Delete(p.files, i, i+1)
	p.scheduleLocked()
	return true
}

// Text returns the current prompt text.
func (p *Pipeline) Text() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text
}

// Files returns a copy of the current attachments.
func (p *Pipeline) Files() []types.Attachment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.files)
}

// scheduleLocked (re)arms the debounce timer. Only the most recently armed timer dispatches.
func (p *Pipeline) scheduleLocked() {
	if p.closed {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timerSeq++
	seq := p.timerSeq
	p.timer = time.AfterFunc(p.cfg.Debounce, func() { p.fire(seq) })
}

func (p *Pipeline) fire(seq uint64) {
	p.mu.Lock()
	if seq != p.timerSeq {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	p.dispatchLocked(false)
}

// Recompute dispatches immediately, bypassing both the debounce and the
// signature check. It returns the generation of the dispatched work.
func (p *Pipeline) Recompute() uint64 {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.timerSeq++
	return p.dispatchLocked(true)
}

// dispatchLocked is entered with mu held and releases it.
func (p *Pipeline) dispatchLocked(force bool) uint64 {
	if p.closed {
		gen := p.gen
		p.mu.Unlock()
		return gen
	}

	sig := signature(p.text, p.files)
	if !force && sig == p.applied && p.st.status != StatusCounting {
		gen := p.gen
		p.mu.Unlock()
		p.metrics.RecordRecompute(OutcomeSkipped, 0)
		p.logger.Debug("input unchanged; recount skipped", zap.Uint64("generation", gen))
		return gen
	}

	p.gen++
	gen := p.gen
	text, files := p.text, slices.Clone(p.files)
	p.st.status = StatusCounting
	snap := p.transitionLocked()
	p.inflight.Add(1)
	p.mu.Unlock()

	p.notify(snap)
	go p.run(gen, sig, text, files)
	return gen
}

// =============================================================================
// ⚙️ 计数执行
// =============================================================================

type outcome struct {
	count   *types.CountResult
	history *types.HistoryReport
}

func (p *Pipeline) run(gen uint64, sig, text string, files []types.Attachment) {
	defer p.inflight.Done()

	ctx := context.Background()
	if p.cfg.CountTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CountTimeout)
		defer cancel()
	}
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "accounting.recompute")
	span.SetAttributes(attribute.Int64("accounting.generation", int64(gen)))
	defer span.End()

	start := time.Now()
	out, err := p.compute(ctx, text, files)
	elapsed := time.Since(start)

	p.mu.Lock()
	if gen != p.gen || p.closed {
		latest := p.gen
		p.mu.Unlock()
		p.metrics.RecordStaleDiscard()
		p.logger.Debug("discarding stale recount",
			zap.Uint64("generation", gen), zap.Uint64("latest", latest))
		return
	}

	if err != nil {
		p.st.status = StatusReady
		p.st.err = types.NewCountingError(err)
		p.applied = ""
		snap := p.transitionLocked()
		p.mu.Unlock()

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.RecordRecompute(OutcomeError, elapsed)
		p.logger.Warn("token recount failed; sending blocked until next change",
			zap.Uint64("generation", gen), zap.Error(err))
		p.notify(snap)
		return
	}

	p.st.status = StatusReady
	p.st.err = nil
	p.st.prompt = out.count.PromptTokens
	p.st.files = slices.Clone(out.count.Files)
	p.st.history = out.history.Tokens()
	if limit := out.count.TokenLimit; limit > 0 {
		p.st.limit = limit
	}
	if out.history != nil && out.history.TokenLimit > 0 {
		p.st.limit = out.history.TokenLimit
	}
	p.st.recomputeTotal()
	p.applied = sig
	snap := p.transitionLocked()
	p.mu.Unlock()

	span.SetAttributes(attribute.Int("accounting.total", snap.Total))
	p.metrics.RecordRecompute(OutcomeSuccess, elapsed)
	p.logger.Debug("token recount applied",
		zap.Uint64("generation", gen),
		zap.Int("total", snap.Total),
		zap.Int("limit", snap.Limit),
		zap.Duration("duration", elapsed),
	)
	p.notify(snap)
}

// compute reads the attachments, then counts them and fetches history concurrently.
func (p *Pipeline) compute(ctx context.Context, text string, files []types.Attachment) (*outcome, error) {
	texts, err := ReadAttachments(ctx, files)
	if err != nil {
		return nil, err
	}

	out := &outcome{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := p.counter.Count(gctx, types.CountRequest{Text: text, Files: texts})
		if err != nil {
			return err
		}
		out.count = res
		return nil
	})
	if p.history != nil {
		g.Go(func() error {
			h, err := p.history.History(gctx)
			if err != nil {
				return err
			}
			out.history = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if out.count == nil {
		out.count = &types.CountResult{}
	}
	return out, nil
}

// =============================================================================
// 🔄 重置 / 快照 / 订阅
// =============================================================================

// Clear empties text and attachments without scheduling a recount.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.text = ""
	p.files = nil
}

// Reset restores the initial state. Recounts still in flight are discarded.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.timerSeq++
	p.gen++
	p.text = ""
	p.files = nil
	p.applied = ""
	p.st = newState(p.cfg.TokenLimit)
	snap := p.transitionLocked()
	p.mu.Unlock()

	p.logger.Debug("accounting reset", zap.Uint64("generation", snap.Generation))
	p.notify(snap)
}

// Snapshot returns the current state.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.snapshot(p.gen, p.version)
}

// Subscribe registers fn for every later transition. Observers run
// sequentially and must not call Subscribe or the returned cancel themselves.
func (p *Pipeline) Subscribe(fn Observer) (cancel func()) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	id := p.nextObserver
	p.nextObserver++
	p.observers[id] = fn
	return func() {
		p.notifyMu.Lock()
		defer p.notifyMu.Unlock()
		delete(p.observers, id)
	}
}

// Wait blocks until every dispatched recount has finished (applied or discarded).
func (p *Pipeline) Wait() {
	p.inflight.Wait()
}

// Close stops the debounce timer; later results are discarded.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.timerSeq++
}

func (p *Pipeline) transitionLocked() Snapshot {
	p.version++
	return p.st.snapshot(p.gen, p.version)
}

// notify delivers snap unless a newer snapshot was already delivered.
func (p *Pipeline) notify(snap Snapshot) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	if snap.Version <= p.lastDelivered {
		return
	}
	p.lastDelivered = snap.Version
	for _, fn := range p.observers {
		fn(snap)
	}
}

// signature identifies the counted input: the text plus each file's (name, size, type).
func signature(text string, files []types.Attachment) string {
	h := sha256.New()
	h.Write([]byte(strconv.Itoa(len(text))))
	h.Write([]byte{0})
	h.Write([]byte(text))
	for _, f := range files {
		h.Write([]byte{0})
		h.Write([]byte(f.Name))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(f.Size, 10)))
		h.Write([]byte{0})
		h.Write([]byte(f.Type))
	}
	return hex.EncodeToString(h.Sum(nil))
}
