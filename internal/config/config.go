package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Simulation SimulationConfig `toml:"simulation" yaml:"simulation"`
	Cluster    ClusterConfig    `toml:"cluster" yaml:"cluster"`
	Report     ReportConfig     `toml:"report" yaml:"report"`
	Store      StoreConfig      `toml:"store" yaml:"store"`
	Raw        map[string]any   `toml:"-" yaml:"-"`
	Path       string           `toml:"-" yaml:"-"`
}

type SimulationConfig struct {
	Population           int     `toml:"population" yaml:"population"`
	Steps                int     `toml:"steps" yaml:"steps"`
	ContactRadius        float64 `toml:"contact_radius" yaml:"contact_radius"`
	InfectionProbability float64 `toml:"infection_probability" yaml:"infection_probability"`
	RecoveryProbability  float64 `toml:"recovery_probability" yaml:"recovery_probability"`
	InitialInfected      float64 `toml:"initial_infected" yaml:"initial_infected"`
	Seed                 uint64  `toml:"seed" yaml:"seed"`
	ReportInitial        bool    `toml:"report_initial" yaml:"report_initial"`
}

type ClusterConfig struct {
	Transport        string   `toml:"transport" yaml:"transport"`
	Workers          int      `toml:"workers" yaml:"workers"`
	ThreadsPerWorker int      `toml:"threads_per_worker" yaml:"threads_per_worker"`
	Remainder        string   `toml:"remainder" yaml:"remainder"`
	Peers            []string `toml:"peers" yaml:"peers"`
	CallTimeoutMS    int      `toml:"call_timeout_ms" yaml:"call_timeout_ms"`
}

type ReportConfig struct {
	Stdout       bool   `toml:"stdout" yaml:"stdout"`
	StdoutFormat string `toml:"stdout_format" yaml:"stdout_format"`
	File         string `toml:"file" yaml:"file"`
	FileFormat   string `toml:"file_format" yaml:"file_format"`
	Append       bool   `toml:"append" yaml:"append"`
	OutputDir    string `toml:"output_dir" yaml:"output_dir"`
}

type StoreConfig struct {
	DBPath string `toml:"db_path" yaml:"db_path"`
}

const (
	TransportLocal = "local"
	TransportRPC   = "rpc"
)

func Default() Config {
	return Config{
		Simulation: SimulationConfig{
			Population:           10000,
			Steps:                100,
			ContactRadius:        0.02,
			InfectionProbability: 0.3,
			RecoveryProbability:  0.1,
			InitialInfected:      0.10,
			ReportInitial:        true,
		},
		Cluster: ClusterConfig{
			Transport:        TransportLocal,
			Workers:          4,
			ThreadsPerWorker: 4,
			Remainder:        "first",
			CallTimeoutMS:    60000,
		},
		Report: ReportConfig{
			Stdout:       true,
			StdoutFormat: "csv",
			FileFormat:   "columns",
			OutputDir:    ".",
		},
	}
}

// Load reads path on top of Default. An empty path returns the defaults.
// Keys absent from the file keep their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	resolved, err := expandHome(path)
	if err != nil {
		return Config{}, err
	}

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(resolved)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(bytes, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file: %w", err)
		}
		if err := yaml.Unmarshal(bytes, &raw); err != nil {
			return Config{}, fmt.Errorf("decode raw config: %w", err)
		}
	case ".toml", "":
		if _, err := toml.Decode(string(bytes), &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file: %w", err)
		}
		if _, err := toml.Decode(string(bytes), &raw); err != nil {
			return Config{}, fmt.Errorf("decode raw config: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config extension %q", filepath.Ext(resolved))
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

func expandHome(path string) (string, error) {
	resolved := path
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	return filepath.Clean(resolved), nil
}

// Validate reports every out-of-range value, each naming its key.
func (c Config) Validate() error {
	var errs []error
	bad := func(key string, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %s", key, fmt.Sprintf(format, args...)))
	}

	s := c.Simulation
	if s.Population <= 0 {
		bad("simulation.population", "must be > 0, got %d", s.Population)
	}
	if s.Steps < 0 {
		bad("simulation.steps", "must be >= 0, got %d", s.Steps)
	}
	if s.ContactRadius < 0 {
		bad("simulation.contact_radius", "must be >= 0, got %v", s.ContactRadius)
	}
	if s.InfectionProbability < 0 || s.InfectionProbability > 1 {
		bad("simulation.infection_probability", "must be in [0,1], got %v", s.InfectionProbability)
	}
	if s.RecoveryProbability < 0 || s.RecoveryProbability > 1 {
		bad("simulation.recovery_probability", "must be in [0,1], got %v", s.RecoveryProbability)
	}
	if s.InitialInfected < 0 || s.InitialInfected > 1 {
		bad("simulation.initial_infected", "must be in [0,1], got %v", s.InitialInfected)
	}

	cl := c.Cluster
	switch cl.Transport {
	case TransportLocal:
		if cl.Workers <= 0 {
			bad("cluster.workers", "must be > 0, got %d", cl.Workers)
		}
	case TransportRPC:
		if len(cl.Peers) == 0 {
			bad("cluster.peers", "rpc transport needs at least one worker address")
		}
	default:
		bad("cluster.transport", "must be %q or %q, got %q", TransportLocal, TransportRPC, cl.Transport)
	}
	if cl.ThreadsPerWorker <= 0 {
		bad("cluster.threads_per_worker", "must be > 0, got %d", cl.ThreadsPerWorker)
	}
	switch cl.Remainder {
	case "", "first", "spread", "reject":
	default:
		bad("cluster.remainder", "must be first, spread or reject, got %q", cl.Remainder)
	}
	if cl.CallTimeoutMS < 0 {
		bad("cluster.call_timeout_ms", "must be >= 0, got %d", cl.CallTimeoutMS)
	}

	if c.Report.File != "" && strings.TrimSpace(c.Report.OutputDir) == "" {
		bad("report.output_dir", "must be set when report.file is set")
	}
	return errors.Join(errs...)
}

// WorkerCount is the number of workers the cluster section describes.
func (c ClusterConfig) WorkerCount() int {
	if c.Transport == TransportRPC {
		return len(c.Peers)
	}
	return c.Workers
}
