package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func withBaseDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	baseDirOverride = dir
	t.Cleanup(func() { baseDirOverride = "" })
	return dir
}

func TestDir(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".chatsync", "profiles", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestBaseDirFromEnv(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", "/srv/chatsync")
	if got := BaseDir(); got != "/srv/chatsync" {
		t.Errorf("BaseDir() = %q", got)
	}
}

func TestProfilePaths(t *testing.T) {
	if got := ProfileConfigPath("test"); !strings.HasSuffix(got, filepath.Join("profiles", "test", "config.toml")) {
		t.Errorf("ProfileConfigPath(test) = %q", got)
	}
	if got := LogPath("test"); !strings.HasSuffix(got, filepath.Join("profiles", "test", "logs", "chatsync.log")) {
		t.Errorf("LogPath(test) = %q", got)
	}
}

func TestEnsureDir(t *testing.T) {
	base := withBaseDir(t)

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(base, "profiles", "test", "logs"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("log dir is not a directory")
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("log dir permission = %o, want 0700", perm)
	}
}
