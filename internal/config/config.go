// Package config loads the YAML file describing hypervisor connections and
// the VM workers bound to them.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultKeepaliveInterval applies to workers without keepalive_interval.
const DefaultKeepaliveInterval = Duration(time.Hour)

// Config is the top-level configuration file.
type Config struct {
	// Master is the build master address handed to workers in their seed
	// image.
	Master      string       `yaml:"master"`
	Connections []Connection `yaml:"connections"`
	Workers     []Worker     `yaml:"workers"`
	Runner      Runner       `yaml:"runner"`
	Metrics     Metrics      `yaml:"metrics"`

	// dir is the directory relative paths are resolved against.
	dir string
}

// Connection names a hypervisor endpoint.
type Connection struct {
	Name string `yaml:"name"`
	URI  string `yaml:"uri"`
}

// Worker defines one VM-backed worker.
type Worker struct {
	Name       string `yaml:"name"`
	Password   string `yaml:"password"`
	Connection string `yaml:"connection"`
	Image      string `yaml:"image"`
	BaseImage  string `yaml:"base_image"`
	// XMLFile is the libvirt domain descriptor. Relative paths are resolved
	// against the directory of the config file.
	XMLFile           string   `yaml:"xml_file"`
	CheapCopy         *bool    `yaml:"cheap_copy"`
	KeepaliveInterval Duration `yaml:"keepalive_interval"`
	SeedImage         string   `yaml:"seed_image"`
}

// Runner configures how image tools are invoked.
type Runner struct {
	// Prepend wraps every command, e.g. [sudo, -n].
	Prepend []string          `yaml:"prepend"`
	Env     map[string]string `yaml:"env"`
	Timeout Duration          `yaml:"timeout"`
}

// Metrics configures the Prometheus endpoint of the serve command.
type Metrics struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

// Duration accepts Go duration strings ("90s", "1h") or a plain number of
// seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	text := strings.TrimSpace(value.Value)
	if secs, err := strconv.ParseInt(text, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, value.Value)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the file at path. Relative paths inside the file
// are resolved against its directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.dir = filepath.Dir(abs)
	return cfg, nil
}

// Parse decodes a configuration document and applies defaults. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("config is empty")
		}
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Workers {
		w := &c.Workers[i]
		if w.Connection == "" && len(c.Connections) == 1 {
			w.Connection = c.Connections[0].Name
		}
		if w.CheapCopy == nil {
			cheap := true
			w.CheapCopy = &cheap
		}
		if w.KeepaliveInterval == 0 {
			w.KeepaliveInterval = DefaultKeepaliveInterval
		}
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Connections) == 0 {
		errs = append(errs, errors.New("at least one connection is required"))
	}
	connections := map[string]bool{}
	for i, conn := range c.Connections {
		switch {
		case conn.Name == "":
			errs = append(errs, fmt.Errorf("connections[%d]: name is required", i))
		case connections[conn.Name]:
			errs = append(errs, fmt.Errorf("connection %q: defined more than once", conn.Name))
		}
		if strings.TrimSpace(conn.URI) == "" {
			errs = append(errs, fmt.Errorf("connections[%d]: uri is required", i))
		}
		connections[conn.Name] = true
	}

	workers := map[string]bool{}
	for i, w := range c.Workers {
		label := fmt.Sprintf("workers[%d]", i)
		if w.Name != "" {
			label = fmt.Sprintf("worker %q", w.Name)
		}
		switch {
		case w.Name == "":
			errs = append(errs, fmt.Errorf("%s: name is required", label))
		case workers[w.Name]:
			errs = append(errs, fmt.Errorf("%s: defined more than once", label))
		}
		workers[w.Name] = true

		switch {
		case w.Connection == "":
			errs = append(errs, fmt.Errorf("%s: connection is required", label))
		case !connections[w.Connection]:
			errs = append(errs, fmt.Errorf("%s: unknown connection %q", label, w.Connection))
		}
		if w.BaseImage != "" && w.Image == "" {
			errs = append(errs, fmt.Errorf("%s: image is required when base_image is set", label))
		}
		if w.SeedImage != "" && w.XMLFile == "" {
			errs = append(errs, fmt.Errorf("%s: seed_image needs xml_file", label))
		}
		if w.SeedImage != "" && c.Master == "" {
			errs = append(errs, fmt.Errorf("%s: seed_image needs master", label))
		}
		if w.KeepaliveInterval < 0 {
			errs = append(errs, fmt.Errorf("%s: keepalive_interval must not be negative", label))
		}
	}

	if c.Runner.Timeout < 0 {
		errs = append(errs, errors.New("runner: timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// ConnectionURI returns the URI of the named connection.
func (c *Config) ConnectionURI(name string) (string, bool) {
	for _, conn := range c.Connections {
		if conn.Name == name {
			return conn.URI, true
		}
	}
	return "", false
}

// URIs lists the distinct endpoints referenced by workers, in order of
// first use. Connections with the same URI collapse into one entry.
func (c *Config) URIs() []string {
	seen := map[string]bool{}
	var uris []string
	for _, w := range c.Workers {
		uri, ok := c.ConnectionURI(w.Connection)
		if !ok || seen[uri] {
			continue
		}
		seen[uri] = true
		uris = append(uris, uri)
	}
	return uris
}

// Worker returns the named worker definition.
func (c *Config) Worker(name string) (Worker, bool) {
	for _, w := range c.Workers {
		if w.Name == name {
			return w, true
		}
	}
	return Worker{}, false
}

// ResolvePath makes a path from the config file absolute.
func (c *Config) ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) || c.dir == "" {
		return path
	}
	return filepath.Join(c.dir, path)
}

// Descriptor reads the domain descriptor of w. It returns "" when the
// worker has no xml_file.
func (c *Config) Descriptor(w Worker) (string, error) {
	if w.XMLFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.ResolvePath(w.XMLFile))
	if err != nil {
		return "", fmt.Errorf("worker %q: read xml_file: %w", w.Name, err)
	}
	return string(data), nil
}
