package backup

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/odontoclinic/clinicbackup/internal/dbconn"
)

// Dumper exports one candidate's database to outPath. A dump refused
// because the schema is empty is reported as ErrEmptySchema.
type Dumper interface {
	Dump(ctx context.Context, cand dbconn.Candidate, outPath string) error
}

// CommandRunner executes an external command and returns its stderr.
type CommandRunner func(ctx context.Context, name string, args, env []string) ([]byte, error)

// emptySchemaMarkers are dump utility messages meaning there was nothing
// to export.
var emptySchemaMarkers = []string{
	"no matching tables were found",
	"no matching schemas were found",
	"no tables to dump",
	"database is empty",
}

// CommandDumper runs pg_dump or mysqldump.
type CommandDumper struct {
	caps   *Capabilities
	run    CommandRunner
	logger zerolog.Logger
}

// NewCommandDumper creates a dumper that resolves binaries from caps.
func NewCommandDumper(caps *Capabilities, logger zerolog.Logger) *CommandDumper {
	return &CommandDumper{
		caps:   caps,
		run:    execRunner,
		logger: logger.With().Str("component", "dumper").Logger(),
	}
}

// Dump implements Dumper.
func (d *CommandDumper) Dump(ctx context.Context, cand dbconn.Candidate, outPath string) error {
	tool, err := d.caps.Tool(cand.Dialect)
	if err != nil {
		return err
	}

	var args, env []string
	if cand.Dialect == dbconn.DialectMySQL {
		args, env = mysqldumpArgs(tool, cand, outPath)
	} else {
		args, env = pgDumpArgs(cand, outPath)
	}

	d.logger.Debug().
		Str("tool", tool).
		Strs("args", args).
		Str("candidate", cand.String()).
		Msg("running dump utility")

	stderr, err := d.run(ctx, tool, args, env)
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		if isEmptySchemaOutput(msg) {
			return fmt.Errorf("%w: %s", ErrEmptySchema, msg)
		}
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%s failed: %s", cand.Dialect.DumpTool(), msg)
	}
	if len(stderr) > 0 {
		d.logger.Debug().Str("stderr", strings.TrimSpace(string(stderr))).Msg("dump utility warnings")
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return fmt.Errorf("stat dump output: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s produced no output", ErrEmptySchema, cand.Dialect.DumpTool())
	}
	return nil
}

// pgDumpArgs builds pg_dump arguments. The password goes through PGPASSWORD.
func pgDumpArgs(cand dbconn.Candidate, outPath string) ([]string, []string) {
	args := []string{
		"--host=" + cand.Host,
		"--port=" + strconv.Itoa(cand.Port),
		"--username=" + cand.User,
		"--dbname=" + cand.Database,
		"--format=plain",
		"--no-owner",
		"--no-acl",
		"--clean",
		"--if-exists",
		"--file=" + outPath,
	}

	sslMode := "disable"
	if cand.SSLRequired {
		sslMode = "require"
	}
	env := []string{
		"PGSSLMODE=" + sslMode,
		"PGCONNECT_TIMEOUT=10",
	}
	if cand.Password != "" {
		env = append(env, "PGPASSWORD="+cand.Password)
	}
	return args, env
}

// mysqldumpArgs builds mysqldump arguments. The password goes through MYSQL_PWD.
func mysqldumpArgs(tool string, cand dbconn.Candidate, outPath string) ([]string, []string) {
	args := []string{
		"--host=" + cand.Host,
		"--port=" + strconv.Itoa(cand.Port),
		"--user=" + cand.User,
		"--single-transaction",
		"--quick",
		"--lock-tables=false",
		"--routines",
		"--triggers",
		"--events",
		"--result-file=" + outPath,
	}
	if !isMariaDBTool(tool) {
		args = append(args, "--set-gtid-purged=OFF")
	}
	if cand.SSLRequired {
		if isMariaDBTool(tool) {
			args = append(args, "--ssl")
		} else {
			args = append(args, "--ssl-mode=REQUIRED")
		}
	}
	args = append(args, cand.Database)

	var env []string
	if cand.Password != "" {
		env = append(env, "MYSQL_PWD="+cand.Password)
	}
	return args, env
}

func isEmptySchemaOutput(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range emptySchemaMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func execRunner(ctx context.Context, name string, args, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.Bytes(), err
}
