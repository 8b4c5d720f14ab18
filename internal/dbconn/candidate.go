// Package dbconn resolves the ordered list of database connection candidates
// a backup run may try, and opens connections to them.
package dbconn

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Source tags where a candidate's connection details came from.
type Source string

const (
	// SourceLocal is a loopback address on one of the dialect's conventional ports.
	SourceLocal Source = "local"
	// SourceServiceVars comes from platform service variables (PGHOST, MYSQLHOST, ...).
	SourceServiceVars Source = "service-vars"
	// SourceURLFallback is the connection URL offered last outside production.
	SourceURLFallback Source = "url-fallback"
	// SourceURL is the connection URL, the only candidate in production-like modes.
	SourceURL Source = "url"
)

// Dialect is the SQL engine behind a candidate.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// DefaultPorts returns the two conventional ports probed on loopback.
func (d Dialect) DefaultPorts() [2]int {
	if d == DialectMySQL {
		return [2]int{3306, 3307}
	}
	return [2]int{5432, 5433}
}

// DriverName returns the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d == DialectMySQL {
		return "mysql"
	}
	return "pgx"
}

// DumpTool returns the external utility that exports this dialect.
func (d Dialect) DumpTool() string {
	if d == DialectMySQL {
		return "mysqldump"
	}
	return "pg_dump"
}

// Candidate is one fully specified way to reach the database.
type Candidate struct {
	Source      Source  `json:"source"`
	Dialect     Dialect `json:"dialect"`
	Host        string  `json:"host"`
	Port        int     `json:"port"`
	User        string  `json:"user"`
	Password    string  `json:"-"`
	Database    string  `json:"database"`
	SSLRequired bool    `json:"sslRequired"`
}

// Address returns host:port.
func (c Candidate) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// String identifies the candidate without credentials.
func (c Candidate) String() string {
	return fmt.Sprintf("%s(%s %s/%s)", c.Source, c.Dialect, c.Address(), c.Database)
}

// DSN renders the candidate as a data source name for its driver.
func (c Candidate) DSN() string {
	if c.Dialect == DialectMySQL {
		cfg := mysql.NewConfig()
		cfg.User = c.User
		cfg.Passwd = c.Password
		cfg.Net = "tcp"
		cfg.Addr = c.Address()
		cfg.DBName = c.Database
		cfg.Timeout = 5 * time.Second
		cfg.ParseTime = true
		if c.SSLRequired {
			cfg.TLSConfig = "true"
		}
		return cfg.FormatDSN()
	}

	q := url.Values{}
	q.Set("connect_timeout", "5")
	if c.SSLRequired {
		q.Set("sslmode", "require")
	} else {
		q.Set("sslmode", "disable")
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     c.Address(),
		Path:     "/" + c.Database,
		RawQuery: q.Encode(),
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	return u.String()
}
