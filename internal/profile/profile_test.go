package profile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPathsUnderBaseDir(t *testing.T) {
	base := t.TempDir()
	t.Setenv("CHATSYNC_HOME", base)

	tests := []struct {
		got, want string
	}{
		{Dir("main"), filepath.Join(base, "profiles", "main")},
		{SocketPath("work"), filepath.Join(base, "profiles", "work", "daemon.sock")},
		{LockPath("work"), filepath.Join(base, "profiles", "work", "LOCK")},
		{DBPath("work"), filepath.Join(base, "profiles", "work", "chatsync.db")},
		{LogPath("work"), filepath.Join(base, "profiles", "work", "logs", "chatsyncd.log")},
		{ConfigPath(), filepath.Join(base, "config.toml")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(LogDir("test"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("log dir permission = %o, want 0700", perm)
	}
}

func TestResolve(t *testing.T) {
	base := t.TempDir()
	t.Setenv("CHATSYNC_HOME", base)

	if got := Resolve(""); got != DefaultName {
		t.Errorf("Resolve() without config = %q, want %q", got, DefaultName)
	}
	if err := os.WriteFile(ConfigPath(), []byte(`default_profile = "work"`+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("Resolve() with config = %q, want work", got)
	}
	if got := Resolve("other"); got != "other" {
		t.Errorf("Resolve(flag) = %q, want other", got)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "work123", false},
		{"valid with hyphen", "my-profile", false},
		{"valid with underscore", "my_profile", false},
		{"valid max length", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"dot", "my.profile", true},
		{"too long", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true},
		{"slash", "my/profile", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
