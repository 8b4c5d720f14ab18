package dbconn

import (
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Env looks up a configuration value by key.
type Env func(key string) (string, bool)

// OSEnv reads the process environment.
var OSEnv Env = os.LookupEnv

// MapEnv serves lookups from a fixed map.
func MapEnv(m map[string]string) Env {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func (e Env) get(key string) string {
	v, _ := e(key)
	return strings.TrimSpace(v)
}

func (e Env) flag(key string) bool {
	switch strings.ToLower(e.get(key)) {
	case "true", "1", "yes", "require", "required":
		return true
	}
	return false
}

// serviceVarKeys names the platform variables for each dialect.
var serviceVarKeys = map[Dialect]struct{ host, port, user, password, database string }{
	DialectPostgres: {"PGHOST", "PGPORT", "PGUSER", "PGPASSWORD", "PGDATABASE"},
	DialectMySQL:    {"MYSQLHOST", "MYSQLPORT", "MYSQLUSER", "MYSQLPASSWORD", "MYSQLDATABASE"},
}

// Resolve builds the ordered candidate list from configuration. It performs
// no I/O. Outside production-like modes the order is: loopback on the two
// conventional ports, service variables, then the connection URL. In
// production and staging only the URL is offered. An empty result means
// nothing usable is configured.
func Resolve(env Env) []Candidate {
	if env == nil {
		env = OSEnv
	}

	dialect, explicit := dialectFromEnv(env)
	urlCand, hasURL := urlCandidate(env)
	if hasURL && !explicit {
		dialect = urlCand.Dialect
	}

	if isProductionLike(env.get("ENV")) {
		if !hasURL {
			return nil
		}
		urlCand.Source = SourceURL
		return []Candidate{urlCand}
	}

	svc, hasSvc := serviceCandidate(env, dialect)

	var out []Candidate
	database := firstNonEmpty(env.get("DB_NAME"), svc.Database, urlCand.Database)
	if database != "" {
		user := firstNonEmpty(env.get("DB_USER"), svc.User, urlCand.User, defaultUser(dialect))
		password := firstNonEmpty(env.get("DB_PASSWORD"), svc.Password, urlCand.Password)
		for _, port := range dialect.DefaultPorts() {
			out = append(out, Candidate{
				Source:      SourceLocal,
				Dialect:     dialect,
				Host:        "127.0.0.1",
				Port:        port,
				User:        user,
				Password:    password,
				Database:    database,
				SSLRequired: env.flag("DB_SSL"),
			})
		}
	}
	if hasSvc {
		out = append(out, svc)
	}
	if hasURL {
		urlCand.Source = SourceURLFallback
		out = append(out, urlCand)
	}
	return out
}

func dialectFromEnv(env Env) (Dialect, bool) {
	switch strings.ToLower(env.get("DB_DIALECT")) {
	case "mysql", "mariadb":
		return DialectMySQL, true
	case "postgres", "postgresql", "pg":
		return DialectPostgres, true
	}
	return DialectPostgres, false
}

func isProductionLike(mode string) bool {
	switch strings.ToLower(mode) {
	case "production", "prod", "staging":
		return true
	}
	return false
}

func defaultUser(d Dialect) string {
	if d == DialectMySQL {
		return "root"
	}
	return "postgres"
}

func serviceCandidate(env Env, dialect Dialect) (Candidate, bool) {
	keys := serviceVarKeys[dialect]
	host := env.get(keys.host)
	if host == "" {
		return Candidate{}, false
	}

	port, err := strconv.Atoi(env.get(keys.port))
	if err != nil || port <= 0 {
		port = dialect.DefaultPorts()[0]
	}

	return Candidate{
		Source:      SourceServiceVars,
		Dialect:     dialect,
		Host:        host,
		Port:        port,
		User:        firstNonEmpty(env.get(keys.user), env.get("DB_USER"), defaultUser(dialect)),
		Password:    firstNonEmpty(env.get(keys.password), env.get("DB_PASSWORD")),
		Database:    firstNonEmpty(env.get(keys.database), env.get("DB_NAME")),
		SSLRequired: env.flag("DB_SSL") || sslModeRequires(env.get("PGSSLMODE")),
	}, true
}

// urlCandidate parses DATABASE_URL (or DATABASE_PUBLIC_URL).
func urlCandidate(env Env) (Candidate, bool) {
	raw := firstNonEmpty(env.get("DATABASE_URL"), env.get("DATABASE_PUBLIC_URL"))
	if raw == "" {
		return Candidate{}, false
	}
	c, ok := ParseURL(raw)
	if !ok {
		return Candidate{}, false
	}
	if env.flag("DB_SSL") {
		c.SSLRequired = true
	}
	return c, true
}

// ParseURL converts a postgres:// or mysql:// URL into a candidate tagged
// SourceURL. SSL is required only when the query string asks for it.
func ParseURL(raw string) (Candidate, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return Candidate{}, false
	}

	var dialect Dialect
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		dialect = DialectPostgres
	case "mysql", "mariadb":
		dialect = DialectMySQL
	default:
		return Candidate{}, false
	}

	port, err := strconv.Atoi(u.Port())
	if err != nil || port <= 0 {
		port = dialect.DefaultPorts()[0]
	}

	c := Candidate{
		Source:   SourceURL,
		Dialect:  dialect,
		Host:     u.Hostname(),
		Port:     port,
		Database: strings.TrimPrefix(u.Path, "/"),
	}
	if u.User != nil {
		c.User = u.User.Username()
		c.Password, _ = u.User.Password()
	}

	q := u.Query()
	switch {
	case isTruthy(q.Get("ssl")), isTruthy(q.Get("tls")):
		c.SSLRequired = true
	case sslModeRequires(q.Get("sslmode")), sslModeRequires(q.Get("ssl-mode")):
		c.SSLRequired = true
	}
	return c, true
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "true", "1", "yes", "required", "skip-verify":
		return true
	}
	return false
}

func sslModeRequires(mode string) bool {
	switch strings.ToLower(mode) {
	case "require", "required", "verify-ca", "verify-full", "verify_ca", "verify_identity":
		return true
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
