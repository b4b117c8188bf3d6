package notify

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Route binds a notification channel to a webhook endpoint.
type Route struct {
	Channel string `yaml:"channel"`
	URL     string `yaml:"url"`
}

// Routes is the parsed routes file. Messages on a channel without a route
// fall through to the default channel's endpoint when one is set.
type Routes struct {
	Routes         []Route `yaml:"routes"`
	DefaultChannel string  `yaml:"default_channel"`

	byChannel map[string]string
}

// LoadRoutes reads and validates a YAML routes file.
func LoadRoutes(path string) (*Routes, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	var routes Routes
	if err := yaml.Unmarshal(raw, &routes); err != nil {
		return nil, fmt.Errorf("parse routes file: %w", err)
	}
	if err := routes.init(); err != nil {
		return nil, err
	}
	return &routes, nil
}

func (r *Routes) init() error {
	r.byChannel = make(map[string]string, len(r.Routes))
	for _, route := range r.Routes {
		channel := strings.TrimSpace(route.Channel)
		if channel == "" {
			return fmt.Errorf("route with empty channel")
		}
		endpoint := strings.TrimSpace(route.URL)
		parsed, err := url.Parse(endpoint)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("route %s: invalid url %q", channel, route.URL)
		}
		if _, dup := r.byChannel[channel]; dup {
			return fmt.Errorf("route %s declared twice", channel)
		}
		r.byChannel[channel] = endpoint
	}
	if r.DefaultChannel != "" {
		if _, ok := r.byChannel[r.DefaultChannel]; !ok {
			return fmt.Errorf("default channel %s has no route", r.DefaultChannel)
		}
	}
	return nil
}

// Endpoint resolves the webhook URL for a channel, falling back to the
// default channel. The second return reports whether a route was found.
func (r *Routes) Endpoint(channel string) (string, bool) {
	if endpoint, ok := r.byChannel[channel]; ok {
		return endpoint, true
	}
	if r.DefaultChannel != "" {
		endpoint, ok := r.byChannel[r.DefaultChannel]
		return endpoint, ok
	}
	return "", false
}
