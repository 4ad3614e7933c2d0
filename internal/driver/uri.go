package driver

import (
	"fmt"
	"net"
	"strings"
)

const udpURIPrefix = "aeron:udp?"

// parseEndpoint extracts the endpoint of an "aeron:udp?endpoint=host:port" channel URI.
// Parameters are separated by '|'.
func parseEndpoint(channel string) (string, error) {
	if !strings.HasPrefix(channel, udpURIPrefix) {
		return "", fmt.Errorf("%w: %q is not a UDP channel", ErrInvalidChannel, channel)
	}

	for _, param := range strings.Split(strings.TrimPrefix(channel, udpURIPrefix), "|") {
		key, value, ok := strings.Cut(param, "=")
		if !ok {
			return "", fmt.Errorf("%w: malformed parameter %q", ErrInvalidChannel, param)
		}
		if key != "endpoint" {
			continue
		}
		if _, _, err := net.SplitHostPort(value); err != nil {
			return "", fmt.Errorf("%w: endpoint %q: %v", ErrInvalidChannel, value, err)
		}
		return value, nil
	}
	return "", fmt.Errorf("%w: %q has no endpoint", ErrInvalidChannel, channel)
}

// ChannelFor builds a UDP channel URI for endpoint
func ChannelFor(endpoint string) string {
	return udpURIPrefix + "endpoint=" + endpoint
}
