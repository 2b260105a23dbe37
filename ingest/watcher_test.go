package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	conductor "github.com/sra/conductor"
)

type recordingAgent struct {
	mu     sync.Mutex
	inputs []string
	err    error
}

func (a *recordingAgent) Name() string        { return "ingestor" }
func (a *recordingAgent) Description() string { return "records chunk prompts" }
func (a *recordingAgent) Execute(_ context.Context, task conductor.AgentTask) (conductor.AgentResult, error) {
	a.mu.Lock()
	a.inputs = append(a.inputs, task.Input)
	a.mu.Unlock()
	return conductor.AgentResult{}, a.err
}

func TestSplitChunksOnLines(t *testing.T) {
	t.Run("fits in one chunk", func(t *testing.T) {
		chunks := splitChunksOnLines("short text", 100)
		if len(chunks) != 1 || chunks[0] != "short text" {
			t.Errorf("chunks = %q", chunks)
		}
	})

	t.Run("breaks at line boundaries", func(t *testing.T) {
		text := strings.Repeat("0123456789\n", 10) // 110 bytes
		chunks := splitChunksOnLines(text, 40)
		for i, c := range chunks {
			if len(c) > 40 {
				t.Errorf("chunk %d is %d bytes, over the limit", i, len(c))
			}
			if !strings.HasSuffix(c, "\n") {
				t.Errorf("chunk %d does not end at a line boundary: %q", i, c)
			}
		}
		if got := strings.Join(chunks, ""); got != text {
			t.Error("chunks do not reconstruct the input")
		}
	})

	t.Run("oversize line becomes its own chunk", func(t *testing.T) {
		long := strings.Repeat("x", 100)
		text := "a\n" + long + "\nb\n"
		chunks := splitChunksOnLines(text, 10)
		found := false
		for _, c := range chunks {
			if strings.TrimSuffix(c, "\n") == long {
				found = true
			}
		}
		if !found {
			t.Errorf("oversize line not kept whole: %q", chunks)
		}
	})
}

func TestWatcherProcessesAndDeletesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("Alice prefers espresso.\nBob likes tea.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	agent := &recordingAgent{}
	w := NewWatcher(dir, func() conductor.Agent { return agent })
	w.ProcessOnce(context.Background())

	if len(agent.inputs) != 1 {
		t.Fatalf("agent invoked %d times, want 1", len(agent.inputs))
	}
	if !strings.Contains(agent.inputs[0], "Alice prefers espresso.") {
		t.Errorf("chunk prompt missing content: %q", agent.inputs[0])
	}
	if !strings.Contains(agent.inputs[0], `"notes.txt"`) {
		t.Errorf("chunk prompt missing filename: %q", agent.inputs[0])
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should be deleted after processing")
	}
}

func TestWatcherDeletesEmptyFileWithoutProcessing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	agent := &recordingAgent{}
	w := NewWatcher(dir, func() conductor.Agent { return agent })
	w.ProcessOnce(context.Background())

	if len(agent.inputs) != 0 {
		t.Errorf("empty file should not reach the agent, got %d calls", len(agent.inputs))
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("empty file should be deleted")
	}
}

func TestWatcherSkipsHiddenFiles(t *testing.T) {
	dir := t.TempDir()
	hidden := filepath.Join(dir, ".inprogress.txt")
	if err := os.WriteFile(hidden, []byte("partial upload"), 0o644); err != nil {
		t.Fatal(err)
	}

	agent := &recordingAgent{}
	w := NewWatcher(dir, func() conductor.Agent { return agent })
	w.ProcessOnce(context.Background())

	if len(agent.inputs) != 0 {
		t.Error("hidden files must not be ingested")
	}
	if _, err := os.Stat(hidden); err != nil {
		t.Error("hidden file must not be deleted")
	}
}

func TestWatcherDeletesFileEvenWhenChunksFail(t *testing.T) {
	// Per-chunk agent errors are logged and skipped; the file is still
	// consumed so a poison chunk can't wedge the loop forever.
	dir := t.TempDir()
	path := filepath.Join(dir, "poison.txt")
	if err := os.WriteFile(path, []byte("some content"), 0o644); err != nil {
		t.Fatal(err)
	}

	agent := &recordingAgent{err: context.DeadlineExceeded}
	w := NewWatcher(dir, func() conductor.Agent { return agent })
	w.ProcessOnce(context.Background())

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should be deleted even when chunk processing fails")
	}
}

func TestWatcherDisabledDoesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}

	agent := &recordingAgent{}
	w := NewWatcher(dir, func() conductor.Agent { return agent }, WithWatcherEnabled(false))
	w.Run(context.Background()) // returns immediately when disabled

	if len(agent.inputs) != 0 {
		t.Error("disabled watcher must not process files")
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("disabled watcher must not delete files")
	}
}

func TestWatcherMultipleChunks(t *testing.T) {
	dir := t.TempDir()
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString("A line of knowledge worth remembering, repeated many times over.\n")
	}
	path := filepath.Join(dir, "big.md")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}

	agent := &recordingAgent{}
	w := NewWatcher(dir, func() conductor.Agent { return agent }, WithChunkSize(500))
	w.ProcessOnce(context.Background())

	if len(agent.inputs) < 2 {
		t.Errorf("big file produced %d chunks, want several", len(agent.inputs))
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should be deleted after all chunks")
	}
}

func TestWatcherIndexesDocumentWhenIngestorWired(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "handbook.md")
	if err := os.WriteFile(path, []byte("# Onboarding\nBadge pickup is on floor 2.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := &mockStore{}
	ing := NewIngestor(store, &mockEmbedding{})
	agent := &recordingAgent{}
	w := NewWatcher(dir, func() conductor.Agent { return agent }, WithIngestor(ing))
	w.ProcessOnce(context.Background())

	if len(store.documents) != 1 {
		t.Fatalf("documents indexed = %d, want 1", len(store.documents))
	}
	if store.documents[0].Title != "handbook.md" {
		t.Errorf("document title = %q", store.documents[0].Title)
	}
	if len(store.chunks) == 0 {
		t.Error("no chunks stored for the indexed document")
	}
	if len(agent.inputs) == 0 {
		t.Error("memory distillation should still run alongside indexing")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should be deleted after processing")
	}
}
