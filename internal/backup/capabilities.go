package backup

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/odontoclinic/clinicbackup/internal/config"
	"github.com/odontoclinic/clinicbackup/internal/dbconn"
)

// ToolStatus describes one resolved dump binary.
type ToolStatus struct {
	Dialect dbconn.Dialect `json:"dialect"`
	Tool    string         `json:"tool"`
	Path    string         `json:"path,omitempty"`
	Error   string         `json:"error,omitempty"`

	err error
}

// Available reports whether the tool was found.
func (s ToolStatus) Available() bool { return s.Path != "" }

// Capabilities is the set of dump tools resolved at startup.
type Capabilities struct {
	tools map[dbconn.Dialect]ToolStatus
}

var toolHints = map[dbconn.Dialect]string{
	dbconn.DialectPostgres: "install the PostgreSQL client tools (postgresql-client) or set PG_DUMP_PATH",
	dbconn.DialectMySQL:    "install mysql-client or mariadb-client, or set MYSQLDUMP_PATH",
}

var toolSearch = map[dbconn.Dialect]struct {
	names []string
	dirs  []string
}{
	dbconn.DialectPostgres: {
		names: []string{"pg_dump"},
		dirs:  []string{"/usr/bin", "/usr/local/bin", "/usr/local/pgsql/bin", "/opt/homebrew/bin"},
	},
	dbconn.DialectMySQL: {
		names: []string{"mysqldump", "mariadb-dump"},
		dirs:  []string{"/usr/bin", "/usr/local/bin", "/usr/local/mysql/bin", "/opt/homebrew/bin", "/opt/mysql/bin"},
	},
}

// DetectCapabilities resolves the dump binary for each dialect. Configured
// paths win; otherwise PATH and the usual install locations are searched.
func DetectCapabilities(cfg config.DumpToolsConfig) *Capabilities {
	overrides := map[dbconn.Dialect]string{
		dbconn.DialectPostgres: cfg.PgDump,
		dbconn.DialectMySQL:    cfg.MySQLDump,
	}

	c := &Capabilities{tools: make(map[dbconn.Dialect]ToolStatus)}
	for dialect, search := range toolSearch {
		status := ToolStatus{Dialect: dialect, Tool: dialect.DumpTool()}
		path, err := findTool(overrides[dialect], search.names, search.dirs)
		if err != nil {
			status.err = err
			status.Error = err.Error()
		} else {
			status.Path = path
		}
		c.tools[dialect] = status
	}
	return c
}

// StaticCapabilities returns capabilities with fixed tool paths. Dialects
// without a path are reported missing.
func StaticCapabilities(paths map[dbconn.Dialect]string) *Capabilities {
	c := &Capabilities{tools: make(map[dbconn.Dialect]ToolStatus)}
	for _, dialect := range []dbconn.Dialect{dbconn.DialectPostgres, dbconn.DialectMySQL} {
		status := ToolStatus{Dialect: dialect, Tool: dialect.DumpTool(), Path: paths[dialect]}
		if status.Path == "" {
			status.err = exec.ErrNotFound
			status.Error = status.err.Error()
		}
		c.tools[dialect] = status
	}
	return c
}

// Tool returns the binary for dialect or a DependencyMissingError.
func (c *Capabilities) Tool(dialect dbconn.Dialect) (string, error) {
	status, ok := c.tools[dialect]
	if !ok || !status.Available() {
		return "", &DependencyMissingError{Tool: dialect.DumpTool(), Hint: toolHints[dialect], Err: status.err}
	}
	return status.Path, nil
}

// Statuses lists every dialect's tool status, postgres first.
func (c *Capabilities) Statuses() []ToolStatus {
	out := make([]ToolStatus, 0, len(c.tools))
	for _, d := range []dbconn.Dialect{dbconn.DialectPostgres, dbconn.DialectMySQL} {
		if s, ok := c.tools[d]; ok {
			out = append(out, s)
		}
	}
	return out
}

func findTool(override string, names, dirs []string) (string, error) {
	if override != "" {
		if info, err := os.Stat(override); err == nil && !info.IsDir() {
			return override, nil
		}
		return "", fmt.Errorf("%s not found", override)
	}

	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	for _, name := range names {
		for _, dir := range dirs {
			p := filepath.Join(dir, name)
			if info, err := os.Stat(p); err == nil && !info.IsDir() {
				return p, nil
			}
		}
	}
	return "", errors.Join(exec.ErrNotFound, fmt.Errorf("searched PATH for %s", strings.Join(names, ", ")))
}

// isMariaDBTool reports whether path is the MariaDB flavour of mysqldump,
// which rejects some MySQL-only flags.
func isMariaDBTool(path string) bool {
	return strings.Contains(filepath.Base(path), "mariadb")
}
