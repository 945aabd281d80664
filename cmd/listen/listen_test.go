package listen

import (
	"context"
	"strings"
	"testing"

	"dominicbreuker/asynctcp/cmd/shared"
)

func TestGetCommand(t *testing.T) {
	t.Parallel()

	cmd := GetCommand()
	if cmd.Name != "listen" {
		t.Errorf("command name = %q; want %q", cmd.Name, "listen")
	}
	if cmd.Action == nil {
		t.Fatal("command action should not be nil")
	}

	names := map[string]bool{}
	for _, f := range getFlags() {
		names[f.Names()[0]] = true
	}
	for _, want := range []string{shared.SecureFlag, shared.MaxPendingFlag, shared.MetricsFlag} {
		if !names[want] {
			t.Errorf("flag %q missing", want)
		}
	}
	if names[shared.HoldFlag] {
		t.Errorf("flag %q belongs to connect", shared.HoldFlag)
	}
}

func TestActionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantMsg string
	}{
		{"no transport", []string{"listen"}, "exactly one argument"},
		{"two transports", []string{"listen", "tcp://:1", "tcp://:2"}, "exactly one argument"},
		{"bad transport", []string{"listen", "http://:8080"}, "parsing transport"},
		{"key without secure", []string{"listen", "--key", "id.key", "--cert", "id.pub", "tcp://:8080"}, "exiting"},
		{"bad metrics", []string{"listen", "--metrics", "9100", "tcp://:8080"}, "exiting"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := GetCommand().Run(context.Background(), tc.args)
			if err == nil || !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("Run(%v) error = %v, want message containing %q", tc.args, err, tc.wantMsg)
			}
		})
	}
}
