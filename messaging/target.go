package messaging

import (
	"fmt"
	"strconv"
	"strings"
)

// Target is a parsed, normalized delivery target: the platform to deliver
// through, and the platform-specific destination string.
type Target struct {
	Platform string
	Dest     string
}

// ParseTarget splits a "adapter:target" delivery-target string into its
// platform and raw destination, then normalizes the destination for known
// platforms. Unknown platforms pass their destination through unchanged,
// since adapters may be added without teaching this package about them.
func ParseTarget(deliveryTarget string) (Target, error) {
	idx := strings.IndexByte(deliveryTarget, ':')
	if idx <= 0 || idx == len(deliveryTarget)-1 {
		return Target{}, fmt.Errorf("messaging: malformed delivery target %q, want \"adapter:target\"", deliveryTarget)
	}
	platform := deliveryTarget[:idx]
	dest := deliveryTarget[idx+1:]

	norm, err := normalizeDest(platform, dest)
	if err != nil {
		return Target{}, err
	}
	return Target{Platform: platform, Dest: norm}, nil
}

func normalizeDest(platform, dest string) (string, error) {
	switch platform {
	case "discord":
		return normalizeDiscord(dest)
	case "slack":
		return normalizeSlack(dest)
	case "telegram":
		return normalizeTelegram(dest)
	case "twitch":
		return normalizeTwitch(dest), nil
	case "email":
		return normalizeEmail(dest)
	default:
		if dest == "" {
			return "", fmt.Errorf("messaging: empty target for platform %q", platform)
		}
		return dest, nil
	}
}

// normalizeDiscord handles three shapes: a bare channel id, "dm:{user_id}",
// and "{guild_id}:{channel_id}" which collapses to just the channel id —
// the guild is only needed to disambiguate at creation time, never at send time.
func normalizeDiscord(dest string) (string, error) {
	if strings.HasPrefix(dest, "dm:") {
		id := strings.TrimPrefix(dest, "dm:")
		if !isDigits(id) {
			return "", fmt.Errorf("messaging: discord dm target %q is not numeric", dest)
		}
		return "dm:" + id, nil
	}
	if idx := strings.IndexByte(dest, ':'); idx >= 0 {
		guildID, channelID := dest[:idx], dest[idx+1:]
		if !isDigits(guildID) || !isDigits(channelID) {
			return "", fmt.Errorf("messaging: discord target %q is not \"guild_id:channel_id\"", dest)
		}
		return channelID, nil
	}
	if !isDigits(dest) {
		return "", fmt.Errorf("messaging: discord target %q is not a numeric channel id", dest)
	}
	return dest, nil
}

// normalizeSlack handles "{workspace}:{channel_id}", keeping only the
// trailing channel id; a bare channel id passes through unchanged.
func normalizeSlack(dest string) (string, error) {
	if idx := strings.LastIndexByte(dest, ':'); idx >= 0 {
		channel := dest[idx+1:]
		if channel == "" {
			return "", fmt.Errorf("messaging: slack target %q has empty channel id", dest)
		}
		return channel, nil
	}
	if dest == "" {
		return "", fmt.Errorf("messaging: empty slack target")
	}
	return dest, nil
}

// normalizeTelegram requires a signed integer chat id.
func normalizeTelegram(dest string) (string, error) {
	if _, err := strconv.ParseInt(dest, 10, 64); err != nil {
		return "", fmt.Errorf("messaging: telegram target %q is not an integer chat id: %w", dest, err)
	}
	return dest, nil
}

// normalizeTwitch strips a leading "#" from a channel login, the form
// Twitch's IRC-derived chat API traditionally uses for channel names.
func normalizeTwitch(dest string) string {
	return strings.TrimPrefix(dest, "#")
}

// normalizeEmail accepts a bare address or "Display Name <addr>" and
// requires at minimum a "local@domain" shape.
func normalizeEmail(dest string) (string, error) {
	addr := dest
	if idx := strings.LastIndexByte(dest, '<'); idx >= 0 && strings.HasSuffix(dest, ">") {
		addr = dest[idx+1 : len(dest)-1]
	}
	addr = strings.TrimSpace(addr)
	at := strings.IndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 || strings.Contains(addr[at+1:], "@") {
		return "", fmt.Errorf("messaging: email target %q is not a valid address", dest)
	}
	return dest, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// RuntimeKey returns the registry key for a named adapter instance, or just
// platform for the default instance. Adapter names must not be empty,
// "default", or contain ':' or whitespace.
func RuntimeKey(platform, name string) string {
	if name == "" || name == "default" {
		return platform
	}
	return platform + ":" + name
}

// ValidAdapterName reports whether name is acceptable as a named adapter
// instance: non-empty, not the reserved word "default", and free of ':' and
// whitespace.
func ValidAdapterName(name string) bool {
	if name == "" || name == "default" {
		return false
	}
	return !strings.ContainsAny(name, ": \t\n\r")
}
