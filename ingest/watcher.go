package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	conductor "github.com/sra/conductor"
)

// AgentFactory builds a fresh LLM agent, carrying memory tools, for one
// chunk of ingested text. A new agent per chunk keeps each distillation
// independent: a derailed conversation over one chunk can't poison the next.
type AgentFactory func() conductor.Agent

const (
	defaultWatchInterval = 30 * time.Second
	defaultChunkSize     = 8192
)

// textSuffixes are the file extensions the watcher reads as plain text.
// Files with other extensions are still consumed: pdf and docx go through
// their extractors, anything unknown is treated as text.
var textSuffixes = map[string]bool{
	"txt": true, "md": true, "json": true, "jsonl": true, "csv": true,
	"tsv": true, "log": true, "xml": true, "yaml": true, "yml": true,
	"toml": true, "rst": true, "org": true, "html": true, "htm": true,
}

// Watcher polls a directory for dropped files and consumes each one twice
// over: the raw text is chunked and handed, chunk by chunk, to a fresh
// agent with memory tools for distillation, and — when an Ingestor is
// wired — the whole file is also indexed into the document store so
// knowledge_search can retrieve it verbatim. The file is deleted only
// after every chunk has been attempted.
type Watcher struct {
	dir      string
	newAgent AgentFactory
	ingestor *Ingestor

	enabled   bool
	interval  time.Duration
	chunkSize int
	logger    *slog.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the structured logger used for ingestion events.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithWatchInterval overrides how often the directory is polled.
func WithWatchInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// WithChunkSize overrides the maximum chunk size in bytes.
func WithChunkSize(n int) WatcherOption {
	return func(w *Watcher) { w.chunkSize = n }
}

// WithWatcherEnabled gates the loop; a disabled watcher's Run returns
// immediately.
func WithWatcherEnabled(enabled bool) WatcherOption {
	return func(w *Watcher) { w.enabled = enabled }
}

// WithIngestor additionally indexes every consumed file into the document
// store through ing, making it retrievable by knowledge_search alongside
// the distilled memories.
func WithIngestor(ing *Ingestor) WatcherOption {
	return func(w *Watcher) { w.ingestor = ing }
}

// NewWatcher creates a Watcher over dir, distilling chunks through agents
// built by newAgent.
func NewWatcher(dir string, newAgent AgentFactory, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		dir:       dir,
		newAgent:  newAgent,
		enabled:   true,
		interval:  defaultWatchInterval,
		chunkSize: defaultChunkSize,
		logger:    slog.New(watcherDiscardHandler{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

type watcherDiscardHandler struct{}

func (watcherDiscardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (watcherDiscardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d watcherDiscardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d watcherDiscardHandler) WithGroup(string) slog.Handler           { return d }

// Run polls the directory until ctx is cancelled. Cancellation is observed
// within one poll cycle. Blocks; run it in its own goroutine.
func (w *Watcher) Run(ctx context.Context) {
	if !w.enabled {
		w.logger.Info("ingest: watcher disabled")
		return
	}
	w.logger.Info("ingest: watcher started", "dir", w.dir, "interval", w.interval)

	for {
		w.processDir(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("ingest: watcher stopped")
			return
		case <-time.After(w.interval):
		}
	}
}

// ProcessOnce runs a single poll cycle. Exposed for callers that drive the
// schedule themselves.
func (w *Watcher) ProcessOnce(ctx context.Context) {
	w.processDir(ctx)
}

func (w *Watcher) processDir(ctx context.Context) {
	files, err := w.listFiles()
	if err != nil {
		w.logger.Error("ingest: list directory failed", "dir", w.dir, "error", err)
		return
	}
	for _, f := range files {
		if ctx.Err() != nil {
			return
		}
		if err := w.processFile(ctx, f); err != nil {
			w.logger.Error("ingest: file failed, keeping for retry", "file", f, "error", err)
		}
	}
}

// listFiles returns the consumable files in the directory, oldest first by
// modification time, so multi-file drops are ingested in the order they
// were written.
func (w *Watcher) listFiles() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}

	type fileInfo struct {
		path  string
		mtime time.Time
	}
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{path: filepath.Join(w.dir, e.Name()), mtime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

// processFile reads, extracts, chunks, and distills one file, deleting it
// only after every chunk has been attempted. Per-chunk failures are logged
// and skipped; only a read/extract failure keeps the file for retry.
func (w *Watcher) processFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	if len(data) == 0 {
		w.logger.Debug("ingest: deleting empty file", "file", path)
		return os.Remove(path)
	}

	text, err := extractText(path, data)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	if w.ingestor != nil {
		// Index the document for verbatim retrieval; a failure here only
		// costs the knowledge-base copy, the memory distillation still runs.
		if _, err := w.ingestor.IngestFile(ctx, data, filepath.Base(path)); err != nil {
			w.logger.Warn("ingest: document indexing failed", "file", path, "error", err)
		}
	}

	chunks := splitChunksOnLines(text, w.chunkSize)
	w.logger.Info("ingest: processing file", "file", path, "chunks", len(chunks))

	for i, chunk := range chunks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		agent := w.newAgent()
		task := conductor.AgentTask{Input: ingestionPrompt(filepath.Base(path), i+1, len(chunks), chunk)}
		if _, err := agent.Execute(ctx, task); err != nil {
			w.logger.Warn("ingest: chunk failed, skipping", "file", path, "chunk", i+1, "error", err)
		}
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	w.logger.Info("ingest: file done", "file", path)
	return nil
}

// extractText turns a file's bytes into ingestible text based on extension:
// pdf and docx run through their extractors, html is stripped to prose, and
// everything else — the known text suffixes and unknown extensions alike —
// is read verbatim.
func extractText(path string, data []byte) (string, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	switch {
	case ext == "pdf":
		return NewPDFExtractor().Extract(data)
	case ext == "docx":
		return NewDOCXExtractor().Extract(data)
	case ext == "html" || ext == "htm":
		return HTMLExtractor{}.Extract(data)
	case textSuffixes[ext]:
		return string(data), nil
	default:
		return string(data), nil
	}
}

// splitChunksOnLines splits text into chunks of at most size bytes, only
// breaking at line boundaries. A single line longer than size becomes its
// own chunk rather than being cut mid-line.
func splitChunksOnLines(text string, size int) []string {
	if len(text) <= size {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder

	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(line) > size {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if len(line) > size {
			// The oversize line is a chunk by itself.
			chunks = append(chunks, line)
			continue
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

func ingestionPrompt(filename string, chunkNum, chunkTotal int, chunk string) string {
	return fmt.Sprintf(`You are ingesting a document into long-term memory. This is chunk %d of %d from the file %q.

Read the text below and store every durable fact, preference, decision, or observation worth remembering, using your memory tools. Store nothing about the ingestion process itself.

---
%s`, chunkNum, chunkTotal, filename, chunk)
}
