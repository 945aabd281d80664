package keygen

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestGetCommand(t *testing.T) {
	t.Parallel()

	cmd := GetCommand()
	if cmd.Name != "keygen" {
		t.Errorf("command name = %q; want %q", cmd.Name, "keygen")
	}
	if cmd.Usage == "" {
		t.Error("command usage should not be empty")
	}
}

func TestKeygenWritesFiles(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "server")
	args := []string{"keygen", "-o", out, "--passphrase", "pw"}
	if err := GetCommand().Run(context.Background(), args); err != nil {
		t.Fatalf("Run(%v) error = %v", args, err)
	}

	for _, suffix := range []string{".key", ".pub"} {
		if _, err := os.Stat(out + suffix); err != nil {
			t.Errorf("os.Stat(%s) error = %v", out+suffix, err)
		}
	}

	if err := GetCommand().Run(context.Background(), args); err == nil {
		t.Error("Run() over existing files error = nil, want error")
	}
	if err := GetCommand().Run(context.Background(), append(args, "-f")); err != nil {
		t.Errorf("Run() with --force error = %v", err)
	}
}

func TestKeygenEmptyOut(t *testing.T) {
	t.Parallel()

	if err := GetCommand().Run(context.Background(), []string{"keygen", "--out", ""}); err == nil {
		t.Error("Run() with empty --out error = nil, want error")
	}
}
