package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/BaSui01/tokenmeter/accounting"
	"github.com/BaSui01/tokenmeter/client"
	"github.com/BaSui01/tokenmeter/config"
	"github.com/BaSui01/tokenmeter/internal/database"
	"github.com/BaSui01/tokenmeter/types"
)

// count 退出码
const (
	exitOK        = 0
	exitError     = 1
	exitOverLimit = 2
)

// countReport 是 count 命令的输出
type countReport struct {
	Tokenizer     string                 `json:"tokenizer"`
	PromptTokens  int                    `json:"prompt_tokens"`
	Files         []types.FileTokenCount `json:"files"`
	HistoryTokens int                    `json:"history_tokens"`
	Total         int                    `json:"total"`
	TokenLimit    int                    `json:"token_limit"`
	OverLimit     bool                   `json:"over_limit"`
}

// runCount 统计 --text 与参数中文件的 Token 数, 返回退出码.
// 配置了 remote.count_base_url 时使用远端计数服务.
func runCount(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("count", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	text := fs.String("text", "", "Prompt text ('-' reads stdin)")
	limit := fs.Int("limit", 0, "Token limit (default: accounting.token_limit)")
	asJSON := fs.Bool("json", false, "Print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	logger := initLogger(config.LogConfig{Level: "warn", Format: "console", OutputPaths: []string{"stderr"}})
	defer func() { _ = logger.Sync() }()

	prompt := *text
	if prompt == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(stderr, "read stdin: %v\n", err)
			return exitError
		}
		prompt = string(data)
	}
	ctx, cancel := signalContext()
	defer cancel()

	report, err := countFiles(ctx, cfg, prompt, fs.Args(), *limit, logger)
	if err != nil {
		fmt.Fprintf(stderr, "count failed: %v\n", err)
		return exitError
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		printReport(stdout, report)
	}
	if report.OverLimit {
		return exitOverLimit
	}
	return exitOK
}

// countFiles 读取文件, 计数, 加上远端历史, 并在配置了数据库时写审计.
// 上限优先级: limit 参数, 远端历史上报, 远端计数服务上报, 配置.
func countFiles(ctx context.Context, cfg *config.Config, prompt string, paths []string, limit int, logger *zap.Logger) (*countReport, error) {
	attachments := make([]types.Attachment, 0, len(paths))
	for _, p := range paths {
		a, err := types.FileAttachment(p, mime.TypeByExtension(filepath.Ext(p)))
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, a)
	}
	files, err := accounting.ReadAttachments(ctx, attachments)
	if err != nil {
		return nil, err
	}

	counter, name, err := newCounter(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	res, err := counter.Count(ctx, types.CountRequest{Text: prompt, Files: files})
	if err != nil {
		return nil, err
	}

	report := &countReport{
		Tokenizer:    name,
		PromptTokens: res.PromptTokens,
		Files:        res.Files,
		TokenLimit:   cfg.Accounting.TokenLimit,
	}
	if res.TokenLimit > 0 {
		report.TokenLimit = res.TokenLimit
	}

	if cfg.Remote.ChatBaseURL != "" {
		chat := client.NewChatClient(client.Config{BaseURL: cfg.Remote.ChatBaseURL, Timeout: cfg.Remote.Timeout}, logger)
		history, err := chat.History(ctx)
		if err != nil {
			// 历史不可用时只统计本地内容
			logger.Warn("history unavailable", zap.Error(err))
		} else {
			report.HistoryTokens = history.Tokens()
			if history.TokenLimit > 0 {
				report.TokenLimit = history.TokenLimit
			}
		}
	}

	if limit > 0 {
		report.TokenLimit = limit
	}
	report.Total = report.PromptTokens + types.SumFiles(report.Files) + report.HistoryTokens
	report.OverLimit = report.Total > report.TokenLimit

	if cfg.Database.Driver != "" {
		if err := recordCLIUsage(ctx, cfg.Database, report, res, logger); err != nil {
			logger.Warn("usage record dropped", zap.Error(err))
		}
	}
	return report, nil
}

// newCounter 返回远端或本地计数器及其名称
func newCounter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (accounting.Counter, string, error) {
	if base := cfg.Remote.CountBaseURL; base != "" {
		return client.NewTokenClient(client.Config{BaseURL: base, Timeout: cfg.Remote.Timeout}, logger), "remote[" + base + "]", nil
	}
	engine, err := buildEngineOnce(ctx, cfg.Tokenizer, logger)
	if err != nil {
		return nil, "", err
	}
	return engine.Counter, engine.Tokenizer.Name(), nil
}

func recordCLIUsage(ctx context.Context, dc config.DatabaseConfig, report *countReport, res *types.CountResult, logger *zap.Logger) error {
	db, err := database.Open(dc, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	rec := database.NewUsageRecord(database.SourceCLI, report.Tokenizer, "", res, report.HistoryTokens, report.TokenLimit)
	return database.NewUsageStore(db, logger).Record(ctx, rec)
}

func printReport(w io.Writer, r *countReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "tokenizer\t%s\n", r.Tokenizer)
	fmt.Fprintf(tw, "prompt\t%d\n", r.PromptTokens)
	for _, f := range r.Files {
		fmt.Fprintf(tw, "  %s\t%d\n", f.Filename, f.TokenCount)
	}
	if r.HistoryTokens > 0 {
		fmt.Fprintf(tw, "history\t%d\n", r.HistoryTokens)
	}
	fmt.Fprintf(tw, "total\t%d / %d\n", r.Total, r.TokenLimit)
	if r.OverLimit {
		fmt.Fprintf(tw, "status\tover limit by %d\n", r.Total-r.TokenLimit)
	}
	_ = tw.Flush()
}
