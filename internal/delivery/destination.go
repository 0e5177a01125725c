package delivery

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

const envPrefix = "env:"

// ResolveDestination expands "env:NAME" destinations from the process
// environment. Secrets (webhook URLs with embedded tokens) therefore never have
// to live in the config file. An unset or empty variable is a permanent error.
func ResolveDestination(dest string) (string, error) {
	dest = strings.TrimSpace(dest)
	if name, ok := strings.CutPrefix(dest, envPrefix); ok {
		name = strings.TrimSpace(name)
		if name == "" {
			return "", Permanent(errors.New("destination env: variable name is empty"))
		}
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			return "", Permanent(fmt.Errorf("destination env var %s is not set", name))
		}
		return v, nil
	}
	if dest == "" {
		return "", Permanent(errors.New("destination is empty"))
	}
	return dest, nil
}

// Redact hides credentials in a destination for API responses and logs.
//
// URLs keep scheme and host only, env references are shown as-is, email
// addresses are kept and telegram destinations hide the chat id.
func Redact(dest string) string {
	dest = strings.TrimSpace(dest)
	switch {
	case dest == "":
		return ""
	case strings.HasPrefix(dest, envPrefix):
		return dest
	case strings.HasPrefix(dest, telegramPrefix):
		return telegramPrefix + "***"
	case strings.HasPrefix(dest, "mailto:") || (strings.Contains(dest, "@") && !strings.Contains(dest, "://")):
		return dest
	}
	u, err := url.Parse(dest)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.Path == "" || u.Path == "/" {
		return u.Scheme + "://" + u.Host
	}
	return u.Scheme + "://" + u.Host + "/***"
}

func parseHTTPDestination(dest string) (*url.URL, error) {
	u, err := url.Parse(dest)
	if err != nil {
		return nil, Permanent(fmt.Errorf("invalid destination url: %w", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, Permanent(fmt.Errorf("invalid destination url: unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return nil, Permanent(errors.New("invalid destination url: missing host"))
	}
	return u, nil
}
