// Package config reads gateway configuration from HCL files.
// A file may pull in others with `include "path" { optional = true }`,
// later sources overwrite scalar values and append repeated blocks.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/iotgw/helpers"
	connector_mqtt "github.com/temoto/iotgw/internal/connector/mqtt"
	"github.com/temoto/iotgw/internal/gateway"
	"github.com/temoto/iotgw/log2"
	"github.com/temoto/iotgw/platform"
	"github.com/temoto/iotgw/storage"
)

const (
	ConnectorTypeMQTT = "mqtt"

	DefaultStoragePath = "data/events"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	LogDebug      bool   `hcl:"log_debug"`
	MetricsListen string `hcl:"metrics_listen"`

	Storage    storage.Config    `hcl:"storage"`
	Platform   platform.Config   `hcl:"platform"`
	Gateway    gateway.Config    `hcl:"gateway"`
	Connectors []ConnectorConfig `hcl:"connector"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type ConnectorConfig struct {
	Name string                `hcl:"name,key"`
	Type string                `hcl:"type"`
	MQTT connector_mqtt.Config `hcl:"mqtt"`
}

// Validate checks cross-section constraints that hcl decoding cannot express.
// Section specific checks happen in constructors of the configured components.
func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	switch c.Storage.Type {
	case storage.TypeFile, storage.TypeMemory:
	default:
		errs = append(errs, errors.NotValidf("storage type=%q", c.Storage.Type))
	}
	if c.Platform.Broker == "" {
		errs = append(errs, errors.NotValidf("platform broker empty"))
	}
	seen := make(map[string]struct{}, len(c.Connectors))
	for i, cc := range c.Connectors {
		if cc.Name == "" {
			errs = append(errs, errors.NotValidf("connector #%d name empty", i))
			continue
		}
		if _, ok := seen[cc.Name]; ok {
			errs = append(errs, errors.AlreadyExistsf("connector name=%s", cc.Name))
		}
		seen[cc.Name] = struct{}{}
		switch cc.Type {
		case ConnectorTypeMQTT:
		default:
			errs = append(errs, errors.NotValidf("connector=%s type=%q", cc.Name, cc.Type))
		}
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) setDefaults() {
	if c.Storage.Type == "" {
		c.Storage.Type = storage.TypeFile
	}
	if c.Storage.Type == storage.TypeFile && c.Storage.Path == "" {
		c.Storage.Path = DefaultStoragePath
	}
}

func (c *Config) String() string {
	return fmt.Sprintf("log_debug=%t metrics=%q storage=%s platform=%s connectors=%d",
		c.LogDebug, c.MetricsListen, c.Storage.Type, c.Platform.Broker, len(c.Connectors))
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.AlreadyExistsf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	c.setDefaults()
	if len(errs) == 0 {
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
