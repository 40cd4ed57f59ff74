package nostr

import (
	"errors"
	"net/url"
	"strings"
)

var ErrInvalidRelayURL = errors.New("invalid relay url")

// NormalizeRelayURL validates a relay URL and returns its canonical form,
// which is the relay's identity inside a pool: lowercase ws/wss scheme and host,
// explicit port kept, trailing slash stripped.
func NormalizeRelayURL(relayURL string) (string, error) {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" || !strings.Contains(relayURL, "://") {
		return "", ErrInvalidRelayURL
	}

	// Reject double protocols (wss://https://...)
	if strings.Count(relayURL, "://") > 1 {
		return "", ErrInvalidRelayURL
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return "", ErrInvalidRelayURL
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", ErrInvalidRelayURL
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" || strings.Contains(host, " ") {
		return "", ErrInvalidRelayURL
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	result := scheme + "://" + host
	if parsed.Port() != "" {
		result += ":" + parsed.Port()
	}
	if path := strings.TrimRight(parsed.Path, "/"); path != "" {
		result += path
	}
	return result, nil
}
