// Package config holds the command line configuration of the asynctcp tools
// and the injectable dependencies used to build transports.
package config

import (
	"fmt"
	"net"
	"time"
)

// Protocol selects the transport carrying the stack's connections.
type Protocol int

const (
	ProtoTCP Protocol = iota + 1
	ProtoWS
	ProtoUDP
	ProtoMux
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoWS:
		return "ws"
	case ProtoUDP:
		return "udp"
	case ProtoMux:
		return "mux"
	}
	return ""
}

// Shared is the configuration common to listen and connect.
type Shared struct {
	Protocol Protocol
	Host     string
	Port     int

	Secure      bool
	CertFile    string
	KeyFile     string
	Passphrase  string
	PeerKeyFile string

	AckTimeout time.Duration
	RxTimeout  time.Duration
	MaxConns   int

	Verbose     bool
	CaptureFile string

	Deps *Dependencies
}

func (c *Shared) Validate() []error {
	var errors []error

	if c.Protocol.String() == "" {
		errors = append(errors, fmt.Errorf("unsupported protocol %d", c.Protocol))
	}

	if err := validatePort(c.Port); err != nil {
		errors = append(errors, fmt.Errorf("'--port': %s", err))
	}

	if !c.Secure && (c.CertFile != "" || c.KeyFile != "" || c.PeerKeyFile != "") {
		errors = append(errors, fmt.Errorf("you must use '--secure' to use key files"))
	}

	if (c.CertFile == "") != (c.KeyFile == "") {
		errors = append(errors, fmt.Errorf("'--cert' and '--key' must be used together"))
	}

	if c.Passphrase != "" && c.KeyFile == "" {
		errors = append(errors, fmt.Errorf("'--passphrase' requires '--key'"))
	}

	if err := validateTimeout("ack-timeout", c.AckTimeout); err != nil {
		errors = append(errors, err)
	}
	if err := validateTimeout("rx-timeout", c.RxTimeout); err != nil {
		errors = append(errors, err)
	}

	if c.MaxConns < 0 {
		errors = append(errors, fmt.Errorf("'--max-conns' must not be negative"))
	}

	return errors
}

// Listen configures the echo server.
type Listen struct {
	MaxPending int
	// Metrics is the address of the prometheus endpoint, empty to disable.
	Metrics string
}

func (c *Listen) Validate() []error {
	var errors []error

	if c.MaxPending < 0 {
		errors = append(errors, fmt.Errorf("'--max-pending' must not be negative"))
	}

	if c.Metrics != "" {
		if _, _, err := net.SplitHostPort(c.Metrics); err != nil {
			errors = append(errors, fmt.Errorf("'--metrics': %s", err))
		}
	}

	return errors
}

// Connect configures the interactive client.
type Connect struct {
	// Hold keeps the connection open after stdin is exhausted.
	Hold bool
	// Raw switches an interactive terminal to raw mode.
	Raw bool
}

func (c *Connect) Validate() []error {
	return nil
}

// Keygen configures key pair generation.
type Keygen struct {
	// Out is the path prefix; the key pair is written to Out.key and Out.pub.
	Out        string
	Passphrase string
	// Seed derives the key deterministically when set.
	Seed  string
	Force bool
}

func (c *Keygen) Validate() []error {
	var errors []error

	if c.Out == "" {
		errors = append(errors, fmt.Errorf("'--out' must not be empty"))
	}

	return errors
}
