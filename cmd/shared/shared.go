// Package shared provides the flag definitions and helpers used by the
// asynctcp subcommands.
package shared

import (
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"dominicbreuker/asynctcp/pkg/config"
)

const categoryCommon = "common"

// SecureFlag enables the encrypted session layer.
const SecureFlag = "secure"

// CertFlag names the PEM file with the server's public key.
const CertFlag = "cert"

// KeyFlag names the PEM file with the static private key.
const KeyFlag = "key"

// PassphraseFlag decrypts the private key.
const PassphraseFlag = "passphrase"

// PeerKeyFlag names the PEM file with the public key the server must present.
const PeerKeyFlag = "peer-key"

// AckTimeoutFlag bounds the wait for the peer to acknowledge sent data.
const AckTimeoutFlag = "ack-timeout"

// RxTimeoutFlag closes connections that stay silent for longer.
const RxTimeoutFlag = "rx-timeout"

// MaxConnsFlag caps the number of native handles.
const MaxConnsFlag = "max-conns"

// VerboseFlag enables event tracing.
const VerboseFlag = "verbose"

// CaptureFlag names a file receiving a hex dump of all connection traffic.
const CaptureFlag = "capture"

// GetBaseDescription returns the transport syntax shared by listen and
// connect.
func GetBaseDescription() string {
	return strings.Join([]string{
		"Specify transport like this: tcp://127.0.0.1:123 (supports tcp|ws|udp|mux)",
		"You can omit the host when listening to bind to all interfaces.",
	}, "\n")
}

// GetArgsUsage returns the arguments usage string for listen and connect.
func GetArgsUsage() string {
	return "transport"
}

// GetCommonFlags returns the flags used by both listen and connect.
func GetCommonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:     SecureFlag,
			Aliases:  []string{"s"},
			Usage:    "Encrypt connections with a Noise XX session",
			Category: categoryCommon,
		},
		&cli.StringFlag{
			Name:     CertFlag,
			Usage:    "Public key PEM of the server",
			Category: categoryCommon,
		},
		&cli.StringFlag{
			Name:     KeyFlag,
			Aliases:  []string{"k"},
			Usage:    "Private key PEM, leave empty for an ephemeral key",
			Category: categoryCommon,
		},
		&cli.StringFlag{
			Name:     PassphraseFlag,
			Usage:    "Passphrase of the private key",
			Category: categoryCommon,
		},
		&cli.StringFlag{
			Name:     PeerKeyFlag,
			Usage:    "Public key PEM the peer must present",
			Category: categoryCommon,
		},
		&cli.DurationFlag{
			Name:     AckTimeoutFlag,
			Usage:    "Time to wait for sent data to be acknowledged, 0 to disable",
			Category: categoryCommon,
			Value:    5 * time.Second,
		},
		&cli.DurationFlag{
			Name:     RxTimeoutFlag,
			Usage:    "Close connections silent for this long, 0 to disable",
			Category: categoryCommon,
		},
		&cli.IntFlag{
			Name:     MaxConnsFlag,
			Usage:    "Maximum number of open connections, 0 for no limit",
			Category: categoryCommon,
		},
		&cli.BoolFlag{
			Name:     VerboseFlag,
			Aliases:  []string{"v"},
			Usage:    "Verbose logging",
			Category: categoryCommon,
		},
		&cli.StringFlag{
			Name:     CaptureFlag,
			Usage:    "Write a hex dump of all traffic to this file",
			Category: categoryCommon,
		},
	}
}

// NewConfig builds the common configuration from cmd's flags and the
// parsed transport.
func NewConfig(cmd *cli.Command, proto config.Protocol, host string, port int) *config.Shared {
	return &config.Shared{
		Protocol:    proto,
		Host:        host,
		Port:        port,
		Secure:      cmd.Bool(SecureFlag),
		CertFile:    cmd.String(CertFlag),
		KeyFile:     cmd.String(KeyFlag),
		Passphrase:  cmd.String(PassphraseFlag),
		PeerKeyFile: cmd.String(PeerKeyFlag),
		AckTimeout:  cmd.Duration(AckTimeoutFlag),
		RxTimeout:   cmd.Duration(RxTimeoutFlag),
		MaxConns:    int(cmd.Int(MaxConnsFlag)),
		Verbose:     cmd.Bool(VerboseFlag),
		CaptureFile: cmd.String(CaptureFlag),
	}
}

const categoryListen = "listen"

// MaxPendingFlag bounds the queue of connections waiting for a handshake.
const MaxPendingFlag = "max-pending"

// MetricsFlag is the address of the prometheus endpoint.
const MetricsFlag = "metrics"

// GetListenFlags returns the flags specific to listen.
func GetListenFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:     MaxPendingFlag,
			Usage:    "Connections that may wait for the secure handshake, 0 for no limit",
			Category: categoryListen,
		},
		&cli.StringFlag{
			Name:     MetricsFlag,
			Usage:    "Serve prometheus metrics on host:port",
			Category: categoryListen,
		},
	}
}

const categoryConnect = "connect"

// HoldFlag keeps the connection open after stdin ends.
const HoldFlag = "hold"

// RawFlag puts an interactive terminal into raw mode.
const RawFlag = "raw"

// GetConnectFlags returns the flags specific to connect.
func GetConnectFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:     HoldFlag,
			Usage:    "Keep the connection open after stdin ends",
			Category: categoryConnect,
		},
		&cli.BoolFlag{
			Name:     RawFlag,
			Usage:    "Put an interactive terminal into raw mode",
			Category: categoryConnect,
		},
	}
}
