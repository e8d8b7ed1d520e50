package config

import "net/url"

func redact(rawURL string) string {
	if rawURL == "" {
		return "(empty)"
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "(invalid)"
	}
	return u.Redacted()
}
