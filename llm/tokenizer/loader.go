package tokenizer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/tokenmeter/internal/tlsutil"
	"github.com/BaSui01/tokenmeter/types"
)

const instrumentationName = "github.com/BaSui01/tokenmeter/llm/tokenizer"

// maxModelBytes 限制模型负载大小.
const maxModelBytes = 64 << 20

// Source fetches a raw model payload.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
	String() string
}

// HTTPSource fetches the model with a GET request.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	client := s.Client
	if client == nil {
		client = tlsutil.SecureHTTPClient(30 * time.Second)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxModelBytes))
}

func (s *HTTPSource) String() string { return s.URL }

// FileSource reads the model from disk.
type FileSource struct {
	Path string
}

func (s *FileSource) Fetch(_ context.Context) ([]byte, error) {
	return os.ReadFile(s.Path)
}

func (s *FileSource) String() string { return "file://" + s.Path }

// LoadHook is called after every fetch attempt.
type LoadHook func(source string, duration time.Duration, err error)

// Loader loads a MergeTable at most once per process.
// Concurrent Load calls share one in-flight fetch; a failed fetch is not
// cached, so the next Load retries.
type Loader struct {
	source    Source
	logger    *zap.Logger
	parseOpts []ParseOption
	onLoad    LoadHook
	tracer    trace.Tracer

	group singleflight.Group

	mu    sync.RWMutex
	table *MergeTable
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithParseOptions forwards options to ParseMergeTable.
func WithParseOptions(opts ...ParseOption) LoaderOption {
	return func(l *Loader) { l.parseOpts = append(l.parseOpts, opts...) }
}

// WithLoadHook registers a hook for fetch outcomes (metrics).
func WithLoadHook(h LoadHook) LoaderOption {
	return func(l *Loader) { l.onLoad = h }
}

// NewLoader creates a loader for source.
func NewLoader(source Source, logger *zap.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loader{
		source: source,
		logger: logger.With(zap.String("component", "model_loader")),
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Cached returns the loaded table, or nil before the first successful Load.
func (l *Loader) Cached() *MergeTable {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.table
}

// Load returns the process-wide MergeTable, fetching it on first use.
// A cancelled ctx only abandons this caller's wait; the shared fetch keeps
// running for the other callers.
func (l *Loader) Load(ctx context.Context) (*MergeTable, error) {
	if t := l.Cached(); t != nil {
		return t, nil
	}

	ch := l.group.DoChan("model", func() (any, error) {
		if t := l.Cached(); t != nil {
			return t, nil
		}
		t, err := l.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.table = t
		l.mu.Unlock()
		return t, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*MergeTable), nil
	}
}

func (l *Loader) fetch(ctx context.Context) (table *MergeTable, err error) {
	ctx, span := l.tracer.Start(ctx, "tokenizer.load",
		trace.WithAttributes(attribute.String("tokenizer.source", l.source.String())))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if l.onLoad != nil {
			l.onLoad(l.source.String(), time.Since(start), err)
		}
	}()

	payload, err := l.source.Fetch(ctx)
	if err != nil {
		l.logger.Error("failed to fetch tokenizer model",
			zap.String("source", l.source.String()), zap.Error(err))
		return nil, types.NewModelFetchError(l.source.String(), err)
	}

	table, err = ParseMergeTable(payload, l.parseOpts...)
	if err != nil {
		l.logger.Error("tokenizer model rejected",
			zap.String("source", l.source.String()), zap.Error(err))
		return nil, err
	}

	if missing := table.MissingBytes(); missing > 0 {
		l.logger.Warn("merge table lacks single-byte entries; some input will be dropped",
			zap.Int("missing_bytes", missing))
	}
	span.SetAttributes(attribute.Int("tokenizer.entries", table.Len()))
	l.logger.Info("tokenizer model loaded",
		zap.String("source", l.source.String()),
		zap.Int("entries", table.Len()),
		zap.String("fingerprint", table.Fingerprint()),
		zap.Duration("duration", time.Since(start)),
	)
	return table, nil
}
