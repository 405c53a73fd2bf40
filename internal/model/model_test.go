package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestExpectedRelPath(t *testing.T) {
	tests := []struct {
		name string
		item RemoteItem
		want string
	}{
		{"root item", RemoteItem{DisplayName: "x.txt"}, "x.txt"},
		{"nested", RemoteItem{DisplayName: "doc.pdf", LocationPath: "src/specs"}, "src/specs/doc.pdf"},
		{"surrounding slashes", RemoteItem{DisplayName: "a.md", LocationPath: "/docs/"}, "docs/a.md"},
		{"dot segments dropped", RemoteItem{DisplayName: "a.md", LocationPath: "../docs/./x"}, "docs/x/a.md"},
		{"separator in name", RemoteItem{DisplayName: `a/b\c.md`}, "a_b_c.md"},
		{"empty name", RemoteItem{DisplayName: "  ", LocationPath: "docs"}, "docs/_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpectedRelPath(tt.item); got != tt.want {
				t.Errorf("ExpectedRelPath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLedgerError(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		want         string
		wantTerminal bool
	}{
		{"nil", nil, "", false},
		{"transient", errors.New("timeout"), "timeout", false},
		{"terminal", Terminal("unsupported type %s", ".exe"), "terminal: unsupported type .exe", true},
		{"wrapped terminal", fmt.Errorf("fetch: %w", Terminal("zero size")), "terminal: fetch: zero size", true},
		{"multi-line body", errors.New("status 502:\r\n<html>\n  <body>bad gateway</body>\n</html>\n"),
			"status 502: <html> <body>bad gateway</body> </html>", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LedgerError(tt.err)
			if got != tt.want {
				t.Errorf("LedgerError() = %q, want %q", got, tt.want)
			}
			if IsTerminalText(got) != tt.wantTerminal {
				t.Errorf("IsTerminalText(%q) = %v, want %v", got, !tt.wantTerminal, tt.wantTerminal)
			}
		})
	}
}

func TestSetupError(t *testing.T) {
	cause := errors.New("source unreachable")
	err := Setup("download", cause)
	if !errors.Is(err, cause) {
		t.Error("SetupError should unwrap to its cause")
	}
	var se *SetupError
	if !errors.As(err, &se) || se.Stage != "download" {
		t.Errorf("errors.As() = %+v", se)
	}
	if err.Error() != "download setup failed: source unreachable" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestNoCheckpoint(t *testing.T) {
	if err := NoCheckpoint.Checkpoint(context.Background()); err != nil {
		t.Errorf("Checkpoint() = %v, want nil", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NoCheckpoint.Checkpoint(ctx); !errors.Is(err, ErrCancelled) {
		t.Errorf("Checkpoint() = %v, want ErrCancelled", err)
	}
}

func TestStageResult(t *testing.T) {
	var r StageResult
	r.Stage = "embed"
	r.Add("pruned", 2)
	r.Add("pruned", 1)
	r.Processed = 4
	if r.Details["pruned"] != 3 {
		t.Errorf("Details = %v", r.Details)
	}
	if got := r.String(); got != "embed: processed=4 skipped=0 failed=0" {
		t.Errorf("String() = %q", got)
	}
	if (ChangeSet{}).Total() != 0 || !(ChangeSet{}).Empty() {
		t.Error("zero ChangeSet should be empty")
	}
}
