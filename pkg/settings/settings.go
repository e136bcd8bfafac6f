// Package settings defines the connection settings a Pool is built from.
// A Settings value is immutable once handed to a Pool.
package settings

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/joao-brasil/sqlease/pkg/protocol"
)

// Settings describes one database and how the pool around it behaves.
type Settings struct {
	// Name labels the pool in logs, metrics and the coordinator keyspace.
	// Defaults to Database.
	Name string `yaml:"name"`

	Protocol string `yaml:"protocol"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	SocketTimeout  time.Duration `yaml:"socket_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`

	// MaxManagers caps simultaneously leased connections; 0 means no cap.
	MaxManagers int `yaml:"max_managers"`
	// MaxPooled caps idle connections kept for reuse. 0 takes the default;
	// a negative value keeps none.
	MaxPooled int `yaml:"max_pooled"`
	// CacheEntries bounds each lease's entity cache. 0 takes the default;
	// a negative value means unbounded.
	CacheEntries int `yaml:"cache_entries"`

	// OpenRetries is how many extra attempts a physical open gets. 0 takes
	// the default; a negative value means a single attempt.
	OpenRetries    int           `yaml:"open_retries"`
	OpenRetryDelay time.Duration `yaml:"open_retry_delay"`

	// ResourceBase is the directory SQL templates are imported from.
	ResourceBase string `yaml:"resource_base"`

	// Params are extra driver connection-string parameters.
	Params map[string]string `yaml:"params"`
}

// Library defaults, applied by WithDefaults.
const (
	DefaultMaxPooled      = 10
	DefaultCacheEntries   = 1000
	DefaultOpenRetries    = 3
	DefaultOpenRetryDelay = time.Second
	DefaultConnectTimeout = 30 * time.Second
)

// WithDefaults returns a copy of s with unset optional fields filled in.
func (s Settings) WithDefaults() Settings {
	if s.Name == "" {
		s.Name = s.Database
	}
	if s.MaxPooled == 0 {
		s.MaxPooled = DefaultMaxPooled
	}
	if s.CacheEntries == 0 {
		s.CacheEntries = DefaultCacheEntries
	}
	if s.OpenRetries == 0 {
		s.OpenRetries = DefaultOpenRetries
	}
	if s.OpenRetryDelay == 0 {
		s.OpenRetryDelay = DefaultOpenRetryDelay
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = DefaultConnectTimeout
	}
	if s.Port == 0 {
		switch s.Descriptor() {
		case protocol.SQLServer:
			s.Port = 1433
		case protocol.Postgres:
			s.Port = 5432
		case protocol.MySQL:
			s.Port = 3306
		}
	}
	return s
}

// Validate checks the fields a DSN cannot be rendered without.
func (s Settings) Validate() error {
	d := s.Descriptor()
	if d == nil {
		return fmt.Errorf("unknown protocol %q", s.Protocol)
	}
	if s.Database == "" {
		return fmt.Errorf("database is required")
	}
	if d != protocol.SQLite && s.Host == "" {
		return fmt.Errorf("host is required for %s", d.Name)
	}
	if s.MaxManagers < 0 {
		return fmt.Errorf("max_managers must not be negative")
	}
	return nil
}

// IdleLimit returns how many idle connections may be kept.
func (s Settings) IdleLimit() int {
	return max(s.MaxPooled, 0)
}

// Attempts returns how many times a physical open is tried.
func (s Settings) Attempts() int {
	return max(s.OpenRetries, 0) + 1
}

// Descriptor returns the protocol descriptor for s.Protocol, or nil.
func (s Settings) Descriptor() *protocol.Descriptor {
	d, _ := protocol.Lookup(s.Protocol)
	return d
}

// Addr returns the host:port address of the database.
func (s Settings) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// DSN renders the driver connection string for s.
func (s Settings) DSN() string {
	switch s.Descriptor() {
	case protocol.SQLServer:
		q := url.Values{}
		q.Set("database", s.Database)
		if s.ConnectTimeout > 0 {
			q.Set("connection timeout", strconv.Itoa(int(s.ConnectTimeout.Seconds())))
		}
		if s.SocketTimeout > 0 {
			q.Set("dial timeout", strconv.Itoa(int(s.SocketTimeout.Seconds())))
		}
		s.addParams(q)
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(s.Username, s.Password),
			Host:     s.Addr(),
			RawQuery: q.Encode(),
		}
		return u.String()

	case protocol.Postgres:
		q := url.Values{}
		if s.ConnectTimeout > 0 {
			q.Set("connect_timeout", strconv.Itoa(int(s.ConnectTimeout.Seconds())))
		}
		s.addParams(q)
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(s.Username, s.Password),
			Host:     s.Addr(),
			Path:     "/" + s.Database,
			RawQuery: q.Encode(),
		}
		return u.String()

	case protocol.MySQL:
		cfg := mysql.NewConfig()
		cfg.User = s.Username
		cfg.Passwd = s.Password
		cfg.Net = "tcp"
		cfg.Addr = s.Addr()
		cfg.DBName = s.Database
		cfg.ParseTime = true
		cfg.Timeout = s.ConnectTimeout
		cfg.ReadTimeout = s.SocketTimeout
		cfg.WriteTimeout = s.SocketTimeout
		if len(s.Params) > 0 {
			cfg.Params = make(map[string]string, len(s.Params))
			for k, v := range s.Params {
				cfg.Params[k] = v
			}
		}
		return cfg.FormatDSN()

	case protocol.SQLite:
		q := url.Values{}
		if s.SocketTimeout > 0 {
			q.Set("_busy_timeout", strconv.FormatInt(s.SocketTimeout.Milliseconds(), 10))
		}
		s.addParams(q)
		if len(q) == 0 {
			return "file:" + s.Database
		}
		return "file:" + s.Database + "?" + q.Encode()
	}
	return ""
}

func (s Settings) addParams(q url.Values) {
	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, s.Params[k])
	}
}
