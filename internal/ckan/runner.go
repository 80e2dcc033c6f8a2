// Package ckan drives the CKAN command-line tool as a subprocess.
//
// Every invocation has the form `<binary> -c <ini> <subcommand> [args...]`,
// except config-tool which takes the ini path positionally. Failures are
// classified by the captured output: an OperationalError marker means the
// database was not ready (transient), anything else is returned unmasked.
package ckan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/ranierigmusella/ckan-docker/internal/config"
)

// operationalErrorMarker is printed by SQLAlchemy when the database refuses
// or drops the connection.
const operationalErrorMarker = "OperationalError"

// ErrTransient is matched by errors.Is for every *TransientError.
var ErrTransient = errors.New("ckan: database not ready")

// CommandError is returned when the CKAN CLI exits non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Output   []byte
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("ckan %s: %v", strings.Join(redact(e.Args), " "), e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// TransientError is a CommandError whose output carried the
// OperationalError marker. The caller is expected to exit and let the
// container supervisor restart the bootstrap.
type TransientError struct {
	Cmd *CommandError
}

func (e *TransientError) Error() string { return e.Cmd.Error() }

func (e *TransientError) Unwrap() error { return e.Cmd }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// result holds what a finished subprocess wrote.
type result struct {
	stdout   []byte
	combined []byte
}

type execFunc func(ctx context.Context, name string, args ...string) (result, error)

// Runner invokes the CKAN CLI with a fixed ini path.
type Runner struct {
	binary string
	ini    string
	pause  time.Duration
	clock  clock.Clock
	exec   execFunc
}

// NewRunner builds a Runner from the CKAN config. pause is how long a
// transient failure waits before being returned, so that a restarting
// container does not hammer a database that is still coming up.
func NewRunner(cfg config.CKANConfig, pause time.Duration) *Runner {
	return &Runner{
		binary: cfg.Binary,
		ini:    cfg.Ini,
		pause:  pause,
		clock:  clock.WallClock,
		exec:   realExec,
	}
}

// Run executes `<binary> -c <ini> args...` and returns its combined output.
func (r *Runner) Run(ctx context.Context, args ...string) ([]byte, error) {
	res, err := r.run(ctx, append([]string{"-c", r.ini}, args...))
	return res.combined, err
}

// output is like Run but returns only stdout, for commands whose stdout is
// consumed as data.
func (r *Runner) output(ctx context.Context, args ...string) ([]byte, error) {
	res, err := r.run(ctx, append([]string{"-c", r.ini}, args...))
	return res.stdout, err
}

func (r *Runner) run(ctx context.Context, argv []string) (result, error) {
	shown := strings.Join(redact(argv), " ")
	slog.DebugContext(ctx, "running ckan command", "command", shown)

	res, err := r.exec(ctx, r.binary, argv...)
	if len(res.combined) > 0 {
		slog.InfoContext(ctx, "ckan command output", "command", shown, "output", string(res.combined))
	}
	if err == nil {
		return res, nil
	}

	cmdErr := &CommandError{
		Args:     argv,
		ExitCode: exitCode(err),
		Output:   res.combined,
		Err:      err,
	}

	if !bytes.Contains(res.combined, []byte(operationalErrorMarker)) {
		slog.ErrorContext(ctx, "ckan command failed", "command", shown, "exit_code", cmdErr.ExitCode)
		return res, cmdErr
	}

	slog.WarnContext(ctx, "database not ready, waiting a bit before exit",
		"command", shown, "pause", r.pause.String())
	select {
	case <-ctx.Done():
	case <-r.clock.After(r.pause):
	}
	return res, &TransientError{Cmd: cmdErr}
}

// SetConfig writes `key = value` into the ini file with config-tool.
// Writing the same value again leaves the file unchanged.
func (r *Runner) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.run(ctx, []string{"config-tool", r.ini, fmt.Sprintf("%s = %s", key, value)})
	return err
}

// InitDB creates or upgrades the CKAN schema.
func (r *Runner) InitDB(ctx context.Context) error {
	_, err := r.Run(ctx, "db", "init")
	return err
}

// DatastorePermissions returns the SQL printed by `datastore set-permissions`.
func (r *Runner) DatastorePermissions(ctx context.Context) (PermissionsScript, error) {
	out, err := r.output(ctx, "datastore", "set-permissions")
	if err != nil {
		return PermissionsScript{}, err
	}
	return PermissionsScript{raw: out}, nil
}

// UserExists runs `user show <name>`. CKAN prints "User: None" for an
// unknown user and still exits 0.
func (r *Runner) UserExists(ctx context.Context, name string) (bool, error) {
	out, err := r.output(ctx, "user", "show", name)
	if err != nil {
		return false, err
	}
	return !bytes.Contains(stripSpace(out), []byte("User:None")), nil
}

// AddUser creates a user account.
func (r *Runner) AddUser(ctx context.Context, name, password, email string) error {
	_, err := r.Run(ctx, "user", "add", name, "password="+password, "email="+email)
	return err
}

// AddSysadmin grants sysadmin rights to an existing user.
func (r *Runner) AddSysadmin(ctx context.Context, name string) error {
	_, err := r.Run(ctx, "sysadmin", "add", name)
	return err
}

// InitExtension runs the init subcommand of a CKAN extension.
func (r *Runner) InitExtension(ctx context.Context, ext Extension) error {
	_, err := r.Run(ctx, ext.Args...)
	return err
}

func stripSpace(b []byte) []byte {
	return bytes.Join(bytes.Fields(b), nil)
}

// redact hides credentials passed as key=value arguments.
func redact(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.HasPrefix(a, "password=") {
			a = "password=***"
		}
		out[i] = a
	}
	return out
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// lockedBuffer lets stdout and stderr copy goroutines share one buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

func realExec(ctx context.Context, name string, args ...string) (result, error) {
	var stdout bytes.Buffer
	var combined lockedBuffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &teeWriter{primary: &stdout, shared: &combined}
	cmd.Stderr = &combined

	err := cmd.Run()
	return result{stdout: stdout.Bytes(), combined: combined.Bytes()}, err
}

// teeWriter writes to a private buffer and to the shared combined buffer.
type teeWriter struct {
	primary *bytes.Buffer
	shared  *lockedBuffer
}

func (t *teeWriter) Write(p []byte) (int, error) {
	t.primary.Write(p)
	return t.shared.Write(p)
}
