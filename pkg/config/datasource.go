// Package config is the configuration model of a migration job: data
// sources, rule configurations, the job configuration handed to the
// distributed runtime, and the per sharding item task configuration.
package config

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/block/reshard/pkg/dbconn"
	"gopkg.in/yaml.v3"
)

const DatabaseTypeMySQL = "MySQL"

var ErrUnknownDataSource = errors.New("unknown data source")

// DataSourceConfiguration describes one physical database.
type DataSourceConfiguration struct {
	Type string `yaml:"type,omitempty"`
	URL  string `yaml:"url"`
	// DefaultsFile is an optional my.cnf whose [client] section supplies
	// the credentials, so they need not be stored in the job parameter.
	DefaultsFile string `yaml:"defaults_file,omitempty"`
}

// DatabaseType returns the configured type, MySQL by default.
func (c DataSourceConfiguration) DatabaseType() string {
	if c.Type == "" {
		return DatabaseTypeMySQL
	}
	return c.Type
}

// DSN resolves the connection string, merging the defaults file if set.
func (c DataSourceConfiguration) DSN() (string, error) {
	return dbconn.DSNWithDefaultsFile(c.URL, c.DefaultsFile)
}

// Open returns the pooled connection of this data source.
func (c DataSourceConfiguration) Open(m *dbconn.DataSourceManager) (*sql.DB, error) {
	dsn, err := c.DSN()
	if err != nil {
		return nil, err
	}
	return m.GetDataSource(dsn)
}

// DataSources maps data source names to their configuration.
type DataSources map[string]DataSourceConfiguration

// ParseDataSources decodes a serialized data source map.
func ParseDataSources(text string) (DataSources, error) {
	ds := DataSources{}
	if text == "" {
		return ds, nil
	}
	if err := yaml.Unmarshal([]byte(text), &ds); err != nil {
		return nil, fmt.Errorf("could not parse data sources: %w", err)
	}
	for name, cfg := range ds {
		if cfg.URL == "" {
			return nil, fmt.Errorf("data source %q has no url", name)
		}
	}
	return ds, nil
}

// Names returns the data source names sorted.
func (d DataSources) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a data source by name.
func (d DataSources) Get(name string) (DataSourceConfiguration, error) {
	cfg, ok := d[name]
	if !ok {
		return DataSourceConfiguration{}, fmt.Errorf("%w: %s", ErrUnknownDataSource, name)
	}
	return cfg, nil
}

// DatabaseType returns the type shared by the data sources.
func (d DataSources) DatabaseType() (string, error) {
	dbType := ""
	for _, name := range d.Names() {
		t := d[name].DatabaseType()
		if dbType != "" && t != dbType {
			return "", fmt.Errorf("mixed database types %s and %s are not supported", dbType, t)
		}
		dbType = t
	}
	if dbType == "" {
		return DatabaseTypeMySQL, nil
	}
	return dbType, nil
}
