package factory

import (
	"os"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/npmstat/trafficd/internal/logger"
)

// TrafficdDefaultConfigPath is where cmd/main.go looks for the config file
// unless -c says otherwise.
const TrafficdDefaultConfigPath = "./config/trafficdcfg.yaml"

// Loader provides methods to load and validate the configuration.
type Loader interface {
	Load(path string) (*Config, error)
}

// DefaultLoader is a simple YAML file loader/validator with defaults.
type DefaultLoader struct{}

// Load reads YAML from the given path, applies defaults, and validates. An
// empty path yields the built-in defaults.
func (l *DefaultLoader) Load(path string) (*Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return nil, errors.Wrap(err, "unmarshal yaml")
		}
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	return &cfg, nil
}

// ReadConfig loads the configuration at path with the DefaultLoader and dumps
// the effective values at debug level.
func ReadConfig(path string) (*Config, error) {
	loader := &DefaultLoader{}
	cfg, err := loader.Load(path)
	if err != nil {
		return nil, err
	}

	logger.CfgLog.Infof("config loaded from %q (version=%s)", path, cfg.Info.Version)
	logger.CfgLog.Debugf("effective config:\n%s", spew.Sdump(cfg))
	return cfg, nil
}
