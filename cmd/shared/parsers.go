package shared

import (
	"fmt"
	"regexp"
	"strconv"

	"dominicbreuker/asynctcp/pkg/config"
)

var transportRe = regexp.MustCompile(`^(tcp|ws|udp|mux)://([^:]*|\[[0-9a-fA-F:.]+\]):(\d+)$`)

// ParseTransport parses "protocol://host:port" where protocol is one of
// tcp, ws, udp or mux. An empty host or "*" means all interfaces; IPv6
// hosts are written in brackets.
func ParseTransport(s string) (proto config.Protocol, host string, port int, err error) {
	matches := transportRe.FindStringSubmatch(s)
	if len(matches) != 4 {
		err = parsingError(s)
		return
	}

	switch matches[1] {
	case "tcp":
		proto = config.ProtoTCP
	case "ws":
		proto = config.ProtoWS
	case "udp":
		proto = config.ProtoUDP
	case "mux":
		proto = config.ProtoMux
	default:
		err = parsingError(s)
		return
	}

	host = matches[2]
	if host == "*" {
		host = ""
	}
	if len(host) > 1 && host[0] == '[' {
		host = host[1 : len(host)-1]
	}

	port, err = strconv.Atoi(matches[3])
	if err != nil || port < 1 || port > 65535 {
		err = parsingError(s)
		return
	}

	return
}

func parsingError(s string) error {
	return fmt.Errorf("parsing %s: format should be 'protocol://host:port', where protocol = tcp|ws|udp|mux", s)
}
