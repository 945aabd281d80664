package connect

import (
	"context"
	"strings"
	"testing"

	"dominicbreuker/asynctcp/cmd/shared"
)

func TestGetCommand(t *testing.T) {
	t.Parallel()

	cmd := GetCommand()
	if cmd.Name != "connect" {
		t.Errorf("command name = %q; want %q", cmd.Name, "connect")
	}
	if cmd.Action == nil {
		t.Fatal("command action should not be nil")
	}

	names := map[string]bool{}
	for _, f := range getFlags() {
		names[f.Names()[0]] = true
	}
	for _, want := range []string{shared.SecureFlag, shared.PeerKeyFlag, shared.HoldFlag, shared.RawFlag} {
		if !names[want] {
			t.Errorf("flag %q missing", want)
		}
	}
	if names[shared.MetricsFlag] {
		t.Errorf("flag %q belongs to listen", shared.MetricsFlag)
	}
}

func TestActionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantMsg string
	}{
		{"no transport", []string{"connect"}, "exactly one argument"},
		{"bad transport", []string{"connect", "tcp://host"}, "parsing transport"},
		{"no host", []string{"connect", "tcp://:8080"}, "specify a host"},
		{"wildcard host", []string{"connect", "udp://*:8080"}, "specify a host"},
		{"negative timeout", []string{"connect", "--rx-timeout", "-1s", "tcp://127.0.0.1:8080"}, "exiting"},
		{"passphrase without key", []string{"connect", "-s", "--passphrase", "pw", "tcp://127.0.0.1:8080"}, "exiting"},
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
