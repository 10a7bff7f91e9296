package atomicfile

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func mustRead(t *testing.T, path string) string {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(got)
}

// tempLeft reports any staged temp files remaining in dir.
func tempLeft(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var left []string
	for _, e := range entries {
		if matched, _ := filepath.Match("*.tmp.*", e.Name()); matched {
			left = append(left, e.Name())
		}
	}
	return left
}

// ///////////////////////////////////////////////
// Write
// ///////////////////////////////////////////////

func TestWriteCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "price-cache.json")
	payload := `{"id":"poe1-Standard-1700000000000","exchangeRatio":150}`

	if err := Write(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := mustRead(t, path); got != payload {
		t.Errorf("content = %q, want %q", got, payload)
	}
	if left := tempLeft(t, filepath.Dir(path)); len(left) != 0 {
		t.Errorf("staged files left behind: %v", left)
	}
}

func TestWriteReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Write(path, []byte("version = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Write(path, []byte("version = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := mustRead(t, path); got != "version = 2\n" {
		t.Errorf("content after replace = %q", got)
	}
}

func TestWriteAppliesPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soothsayer.pid")

	if err := Write(path, []byte("12345"), 0o600); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	// Windows collapses the mode bits; owner read-write survives everywhere.
	if info.Mode().Perm()&0o600 != 0o600 {
		t.Errorf("mode = %o, want owner rw", info.Mode().Perm())
	}
}

func TestWriteDistinctTargetsConcurrently(t *testing.T) {
	// One writer per target file; concurrent renames onto the same target
	// are not portable to Windows and the daemon never does that.
	dir := t.TempDir()
	const writers = 16

	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := filepath.Join(dir, "session-"+string(rune('a'+i))+".json")
			if err := Write(name, []byte{byte('a' + i)}, 0o644); err != nil {
				t.Errorf("writer %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	for i := range writers {
		name := filepath.Join(dir, "session-"+string(rune('a'+i))+".json")
		if got := mustRead(t, name); got != string(rune('a'+i)) {
			t.Errorf("file %d content = %q", i, got)
		}
	}
	if left := tempLeft(t, dir); len(left) != 0 {
		t.Errorf("staged files left behind: %v", left)
	}
}

func TestWriteMissingDirectoryFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing", "cache.json")

	if err := Write(path, []byte("x"), 0o644); err == nil {
		t.Fatal("Write into a missing directory succeeded")
	}
	if left := tempLeft(t, dir); len(left) != 0 {
		t.Errorf("staged files left behind: %v", left)
	}
}

func TestWriteFailureKeepsOldContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "price-cache.json")
	if err := Write(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	// A failed write to a different (missing) target must not disturb an
	// existing file in the same directory.
	bad := filepath.Join(dir, "missing", "price-cache.json")
	if err := Write(bad, []byte("new"), 0o644); err == nil {
		t.Fatal("expected failure")
	}
	if got := mustRead(t, path); got != "old" {
		t.Errorf("existing file changed to %q", got)
	}
}
