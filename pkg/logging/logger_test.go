package logging

import (
	"os"
	"strings"
	"testing"
)

func TestNewWritesToSharedFile(t *testing.T) {
	// Redirect HOME so the test doesn't touch the real ~/.stitch.
	t.Setenv("HOME", t.TempDir())

	a, err := New("collector")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	b, err := New("controller")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Close()

	if a.RunID() != b.RunID() {
		t.Errorf("expected shared run id, got %q and %q", a.RunID(), b.RunID())
	}
	if a.LogPath() != b.LogPath() {
		t.Errorf("expected shared log path, got %q and %q", a.LogPath(), b.LogPath())
	}

	a.Infof("run %d started", 1)
	b.Errorf("patch rejected: %s", "segment altered")

	data, err := os.ReadFile(a.LogPath())
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	content := string(data)

	if !strings.Contains(content, "[collector] [INFO] run 1 started") {
		t.Errorf("missing collector line in:\n%s", content)
	}
	if !strings.Contains(content, "[controller] [ERROR] patch rejected: segment altered") {
		t.Errorf("missing controller line in:\n%s", content)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	l, err := New("test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
