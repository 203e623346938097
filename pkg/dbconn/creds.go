package dbconn

import (
	"fmt"
	"strconv"

	"github.com/go-ini/ini"
	"github.com/go-sql-driver/mysql"
)

// ClientOptions holds the [client] section of a MySQL option file.
// Any field left empty falls back to the value already in the DSN.
type ClientOptions struct {
	Host     string
	Port     int
	User     string
	Password *string
	Database string
}

// LoadClientOptions reads the [client] section of a my.cnf style file.
// An empty path returns empty options.
func LoadClientOptions(path string) (*ClientOptions, error) {
	opts := &ClientOptions{}
	if path == "" {
		return opts, nil
	}
	creds, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	if !creds.HasSection("client") {
		return opts, nil
	}
	client := creds.Section("client")
	opts.Host = client.Key("host").String()
	opts.Port = client.Key("port").MustInt()
	opts.User = client.Key("user").String()
	opts.Database = client.Key("database").String()
	if client.HasKey("password") {
		pw := client.Key("password").String()
		opts.Password = &pw
	}
	return opts, nil
}

// ApplyTo overrides the credentials of a DSN with the option file values.
func (o *ClientOptions) ApplyTo(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	if o.User != "" {
		cfg.User = o.User
	}
	if o.Password != nil {
		cfg.Passwd = *o.Password
	}
	if o.Database != "" && cfg.DBName == "" {
		cfg.DBName = o.Database
	}
	if o.Host != "" {
		port := o.Port
		if port == 0 {
			port = 3306
		}
		cfg.Net = "tcp"
		cfg.Addr = o.Host + ":" + strconv.Itoa(port)
	}
	return cfg.FormatDSN(), nil
}

// DSNWithDefaultsFile merges a defaults file into a DSN.
func DSNWithDefaultsFile(dsn, defaultsFile string) (string, error) {
	if defaultsFile == "" {
		return dsn, nil
	}
	opts, err := LoadClientOptions(defaultsFile)
	if err != nil {
		return "", fmt.Errorf("could not load defaults file %q: %w", defaultsFile, err)
	}
	return opts.ApplyTo(dsn)
}
