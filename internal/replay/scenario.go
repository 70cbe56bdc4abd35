// Package replay drives a tracker over a static page from a YAML scenario.
package replay

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/pagepulse/internal/browser/dom"
)

// Step actions.
const (
	ActionClick    = "click"
	ActionHover    = "hover"
	ActionScroll   = "scroll"
	ActionWait     = "wait"
	ActionReady    = "ready"
	ActionPageView = "page_view"
	ActionEvent    = "event"
	ActionNavigate = "navigate"
)

// Scenario describes a page and the interactions to replay on it.
type Scenario struct {
	Name     string   `yaml:"name"`
	URL      string   `yaml:"url"`
	Referrer string   `yaml:"referrer"`
	HTML     string   `yaml:"html"`
	HTMLFile string   `yaml:"html_file"`
	Viewport Viewport `yaml:"viewport"`
	APIKey   string   `yaml:"api_key"`
	Steps    []Step   `yaml:"steps"`
}

// Viewport sizes the simulated window. Zero values take the document defaults.
type Viewport struct {
	Height         float64 `yaml:"height"`
	DocumentHeight float64 `yaml:"document_height"`
}

// Step is one interaction.
type Step struct {
	Action     string                 `yaml:"action"`
	Selector   string                 `yaml:"selector,omitempty"`
	Y          float64                `yaml:"y,omitempty"`
	Duration   time.Duration          `yaml:"duration,omitempty"`
	Page       string                 `yaml:"page,omitempty"`
	Name       string                 `yaml:"name,omitempty"`
	URL        string                 `yaml:"url,omitempty"`
	Properties map[string]interface{} `yaml:"properties,omitempty"`
}

// Load reads a scenario file. A relative html_file is resolved against the
// scenario's directory and loaded into HTML.
func Load(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	sc, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	if sc.HTML == "" && sc.HTMLFile != "" {
		file := sc.HTMLFile
		if !filepath.IsAbs(file) {
			file = filepath.Join(filepath.Dir(path), file)
		}
		markup, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read scenario page: %w", err)
		}
		sc.HTML = string(markup)
	}
	if sc.HTML == "" {
		return nil, fmt.Errorf("scenario %s: html or html_file is required", path)
	}
	return sc, nil
}

// Parse decodes and validates a scenario. Unknown keys are rejected.
func Parse(raw []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to decode scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks every step.
func (sc *Scenario) Validate() error {
	if sc.HTML == "" && sc.HTMLFile == "" {
		return fmt.Errorf("html or html_file is required")
	}
	if _, err := locationFor(sc.URL, sc.Referrer); err != nil {
		return err
	}
	for i, st := range sc.Steps {
		if err := st.validate(); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, st.Action, err)
		}
	}
	return nil
}

func (st Step) validate() error {
	switch st.Action {
	case ActionClick, ActionHover:
		if strings.TrimSpace(st.Selector) == "" {
			return fmt.Errorf("selector is required")
		}
	case ActionScroll:
		if st.Y < 0 {
			return fmt.Errorf("y must not be negative")
		}
	case ActionWait:
		if st.Duration <= 0 {
			return fmt.Errorf("duration must be positive")
		}
	case ActionPageView:
		if st.Page == "" {
			return fmt.Errorf("page is required")
		}
	case ActionEvent:
		if st.Name == "" {
			return fmt.Errorf("name is required")
		}
	case ActionNavigate:
		if _, err := locationFor(st.URL, ""); err != nil {
			return err
		}
	case ActionReady:
	default:
		return fmt.Errorf("unknown action %q", st.Action)
	}
	return nil
}

// locationFor derives the page location from an absolute URL. An empty URL
// yields about:blank.
func locationFor(raw, referrer string) (dom.Location, error) {
	if raw == "" {
		return dom.Location{Href: "about:blank", Origin: "null", Pathname: "blank", Referrer: referrer}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return dom.Location{}, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return dom.Location{}, fmt.Errorf("url %q must be absolute", raw)
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return dom.Location{
		Href:     u.String(),
		Origin:   u.Scheme + "://" + u.Host,
		Pathname: path,
		Referrer: referrer,
	}, nil
}
