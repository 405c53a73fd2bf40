package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"contentsync/internal/config"
	"contentsync/internal/job"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DataDir:             dir,
		DBPath:              filepath.Join(dir, "contentsync.db"),
		LogFormat:           "text",
		LedgerFlushEvery:    50,
		SyncRetryRounds:     2,
		SyncBatchSize:       25,
		ControlPollInterval: 5 * time.Millisecond,
		IndexPollInterval:   time.Millisecond,
		IndexPollTimeout:    time.Second,
	}
}

func TestNew_WithoutIndexRunsJobs(t *testing.T) {
	cfg := testConfig(t)
	source := filepath.Join(cfg.DataDir, "source")
	if err := os.MkdirAll(source, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "a.md"), []byte("# A"), 0644); err != nil {
		t.Fatal(err)
	}

	a, err := New(context.Background(), cfg, Options{
		Registry: prometheus.NewRegistry(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()
	if a.Index != nil {
		t.Error("index connected without WithIndex")
	}

	pcfg := &config.PipelineConfig{ID: "docs", Source: config.SourceConfig{Type: "filesystem", Root: source}}
	if err := a.Pipelines.Save(pcfg); err != nil {
		t.Fatal(err)
	}
	j, err := a.Jobs.Start(job.Spec{PipelineID: "docs", Run: a.Runner.Job(pcfg, false)})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	select {
	case <-j.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}
	s, err := a.Jobs.Status(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != job.StateCompleted || s.Result == nil {
		t.Fatalf("summary = %+v", s)
	}
	for _, st := range s.Result.Stages {
		if st.Stage == "embed" {
			t.Error("embed stage ran without an index")
		}
	}
	if err := a.DB.PingContext(context.Background()); err != nil {
		t.Errorf("database not usable: %v", err)
	}
}

func TestNew_BadDatabasePath(t *testing.T) {
	cfg := testConfig(t)
	cfg.DBPath = filepath.Join(cfg.DataDir, "missing", "dir", "x.db")
	if _, err := New(context.Background(), cfg, Options{}); err == nil {
		t.Error("New() should fail when the database cannot be opened")
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{"text", "msg=hello"},
		{"json", `"msg":"hello"`},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			cfg := &config.Config{LogFormat: tt.format, LogLevel: slog.LevelWarn}
			logger := NewLogger(cfg, &buf)
			logger.Info("dropped")
			logger.Warn("hello")
			if out := buf.String(); !strings.Contains(out, tt.want) || strings.Contains(out, "dropped") {
				t.Errorf("output = %q", out)
			}
		})
	}
}
