package accounting

import (
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/tokenmeter/llm/tokenizer"
	"github.com/BaSui01/tokenmeter/types"
)

// Counter counts the prompt and file texts of one recomputation.
// The local BPE counter and the remote count service both satisfy it.
type Counter interface {
	Count(ctx context.Context, req types.CountRequest) (*types.CountResult, error)
}

// HistorySource reports the remote chat history. A nil report counts as zero.
type HistorySource interface {
	History(ctx context.Context) (*types.HistoryReport, error)
}

// CountCache memoizes per-text token counts. Implementations must key on the
// tokenizer identity as well as the text; lookups that fail count as misses.
type CountCache interface {
	Lookup(ctx context.Context, text string) (int, bool)
	Store(ctx context.Context, text string, tokens int)
}

// LocalCounter counts with an in-process tokenizer.
type LocalCounter struct {
	tok   tokenizer.Tokenizer
	cache CountCache
}

// LocalCounterOption configures a LocalCounter.
type LocalCounterOption func(*LocalCounter)

// WithCountCache consults cache before encoding each text.
func WithCountCache(cache CountCache) LocalCounterOption {
	return func(c *LocalCounter) { c.cache = cache }
}

// NewLocalCounter wraps tok.
func NewLocalCounter(tok tokenizer.Tokenizer, opts ...LocalCounterOption) *LocalCounter {
	c := &LocalCounter{tok: tok}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *LocalCounter) countText(ctx context.Context, text string) (int, error) {
	if c.cache == nil || text == "" {
		return c.tok.CountTokens(text)
	}
	if n, ok := c.cache.Lookup(ctx, text); ok {
		return n, nil
	}
	n, err := c.tok.CountTokens(text)
	if err != nil {
		return 0, err
	}
	c.cache.Store(ctx, text, n)
	return n, nil
}

// Count encodes the prompt and every file concurrently. File results keep request order.
func (c *LocalCounter) Count(ctx context.Context, req types.CountRequest) (*types.CountResult, error) {
	res := &types.CountResult{Files: make([]types.FileTokenCount, len(req.Files))}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := c.countText(ctx, req.Text)
		if err != nil {
			return fmt.Errorf("count prompt: %w", err)
		}
		res.PromptTokens = n
		return nil
	})
	for i, f := range req.Files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := c.countText(ctx, f.Content)
			if err != nil {
				return fmt.Errorf("count file %s: %w", f.Name, err)
			}
			res.Files[i] = types.FileTokenCount{Filename: f.Name, TokenCount: n}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.Total = res.PromptTokens + types.SumFiles(res.Files)
	return res, nil
}

// ReadAttachments decodes the non-image attachments as text, concurrently and in order.
// Invalid UTF-8 is replaced with U+FFFD.
func ReadAttachments(ctx context.Context, files []types.Attachment) ([]types.FileText, error) {
	textFiles := make([]types.Attachment, 0, len(files))
	for _, f := range files {
		if !f.IsImage() {
			textFiles = append(textFiles, f)
		}
	}

	out := make([]types.FileText, len(textFiles))
	g, ctx := errgroup.WithContext(ctx)
	for i, f := range textFiles {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if f.Open == nil {
				return fmt.Errorf("attachment %s has no content", f.Name)
			}
			rc, err := f.Open()
			if err != nil {
				return fmt.Errorf("open %s: %w", f.Name, err)
			}
			defer rc.Close()
			data, err := io.ReadAll(rc)
			if err != nil {
				return fmt.Errorf("read %s: %w", f.Name, err)
			}
			out[i] = types.FileText{
				Name:    f.Name,
				Type:    f.Type,
				Content: strings.ToValidUTF8(string(data), "�"),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
