package fcserve

// This module implements the server configuration file.  The format follows
// the original fcserver JSON layout with a top level listen address, a
// verbose switch, a global color correction object and a list of device
// stanzas; YAML files carrying the same structure are accepted by file
// extension.

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-stack/stack"
	"github.com/karlmutch/errors"
	logxi "github.com/mgutz/logxi/v1"
	"gopkg.in/yaml.v3"
)

const DefaultListen = "127.0.0.1:7890"

type Config struct {
	Listen  string                 `json:"listen" yaml:"listen"`
	Verbose bool                   `json:"verbose" yaml:"verbose"`
	Color   map[string]interface{} `json:"color" yaml:"color"`
	Devices []DeviceConfig         `json:"devices" yaml:"devices"`
}

// DeviceConfig is one device stanza.  Serial is optional, an empty serial
// matches any controller of the right type.  Map rows are kept loosely typed
// so one malformed rule is skipped without rejecting the whole file, the
// same tolerance the wire protocol has.
type DeviceConfig struct {
	Type   string        `json:"type" yaml:"type"`
	Serial string        `json:"serial" yaml:"serial"`
	LED    *bool         `json:"led" yaml:"led"`
	Map    []interface{} `json:"map" yaml:"map"`
}

// LoadConfig reads a JSON, or by extension YAML, configuration file
func LoadConfig(path string) (cfg *Config, err errors.Error) {
	data, errGo := os.ReadFile(path)
	if errGo != nil {
		return nil, errors.Wrap(errGo).With("path", path).With("stack", stack.Trace().TrimRuntime())
	}

	cfg = &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		errGo = yaml.Unmarshal(data, cfg)
	default:
		errGo = json.Unmarshal(data, cfg)
	}
	if errGo != nil {
		return nil, errors.Wrap(errGo).With("path", path).With("stack", stack.Trace().TrimRuntime())
	}

	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	return cfg, nil
}

// DefaultConfig is used when no configuration file is supplied: any attached
// controller gets channel 0 mapped straight onto its full pixel range
func DefaultConfig() *Config {
	return &Config{
		Listen: DefaultListen,
		Devices: []DeviceConfig{
			{
				Type: "fadecandy",
				Map: []interface{}{
					[]interface{}{0, 0, 0, NumPixels},
				},
			},
		},
	}
}

// DeviceFor returns the first stanza naming the given controller, nil when
// the configuration says nothing about it
func (c *Config) DeviceFor(serial string) *DeviceConfig {
	for i := range c.Devices {
		if c.Devices[i].Matches(serial) {
			return &c.Devices[i]
		}
	}
	return nil
}

// Matches reports whether this stanza names the given device: the type tag
// must be fadecandy and, when a serial is present, it must match exactly
func (dc *DeviceConfig) Matches(serial string) bool {
	if dc.Type != "fadecandy" {
		return false
	}
	return dc.Serial == "" || dc.Serial == serial
}

// mappings parses the configured mapping table.  Malformed rules are
// reported and skipped; the table as a whole binds only when present at all.
func (dc *DeviceConfig) mappings(log logxi.Logger) (rules []PixelMapping, ok bool) {
	if dc.Map == nil {
		return nil, false
	}

	rules = make([]PixelMapping, 0, len(dc.Map))
	for _, raw := range dc.Map {
		rule, okRule := parseMapping(raw)
		if !okRule {
			log.Warn("unsupported mapping instruction", "instruction", fmt.Sprintf("%v", raw))
			continue
		}
		rules = append(rules, rule)
	}
	return rules, true
}

// parseMapping accepts a [channel, firstOPC, firstOut, count] row of
// non-negative integers
func parseMapping(raw interface{}) (rule PixelMapping, ok bool) {
	fields, okList := raw.([]interface{})
	if !okList || len(fields) != 4 {
		return rule, false
	}

	vals := [4]uint32{}
	for i, field := range fields {
		n, okNum := toFloat(field)
		if !okNum || n < 0 || n != math.Trunc(n) || n > math.MaxUint32 {
			return rule, false
		}
		vals[i] = uint32(n)
	}

	return PixelMapping{
		Channel:  vals[0],
		FirstOPC: vals[1],
		FirstOut: vals[2],
		Count:    vals[3],
	}, true
}
