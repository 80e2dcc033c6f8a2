package ckan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ranierigmusella/ckan-docker/internal/config"
)

// call is one recorded invocation of the fake exec function.
type call struct {
	name string
	args []string
}

// scriptedExec returns canned results in order and records every call.
type scriptedExec struct {
	mu      sync.Mutex
	calls   []call
	results []result
	errs    []error
}

func (s *scriptedExec) exec(_ context.Context, name string, args ...string) (result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.calls)
	s.calls = append(s.calls, call{name: name, args: args})
	var res result
	var err error
	if i < len(s.results) {
		res = s.results[i]
	}
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return res, err
}

func out(s string) result {
	return result{stdout: []byte(s), combined: []byte(s)}
}

func makeRunner(se *scriptedExec, clk clock.Clock) *Runner {
	r := NewRunner(config.CKANConfig{Binary: "ckan", Ini: "/srv/app/ckan.ini"}, 5*time.Second)
	r.exec = se.exec
	r.clock = clk
	return r
}

func TestRun_BuildsArgv(t *testing.T) {
	t.Parallel()

	se := &scriptedExec{results: []result{out("ok")}}
	r := makeRunner(se, testclock.NewClock(time.Time{}))

	got, err := r.Run(context.Background(), "db", "init")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got))

	require.Len(t, se.calls, 1)
	assert.Equal(t, "ckan", se.calls[0].name)
	assert.Equal(t, []string{"-c", "/srv/app/ckan.ini", "db", "init"}, se.calls[0].args)
}

func TestRun_ClassifiesFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		output        string
		wantTransient bool
		wantPause     bool
	}{
		{
			name:          "operational error is transient",
			output:        "sqlalchemy.exc.OperationalError: could not connect to server",
			wantTransient: true,
			wantPause:     true,
		},
		{
			name:   "other failure is fatal",
			output: "ImportError: No module named ckanext.foo",
		},
		{
			name:   "empty output is fatal",
			output: "",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			clk := testclock.NewClock(time.Time{})
			se := &scriptedExec{
				results: []result{out(tc.output)},
				errs:    []error{errors.New("exit status 1")},
			}
			r := makeRunner(se, clk)

			type outcome struct {
				got []byte
				err error
			}
			done := make(chan outcome, 1)
			go func() {
				got, err := r.Run(context.Background(), "db", "init")
				done <- outcome{got, err}
			}()

			if tc.wantPause {
				require.NoError(t, clk.WaitAdvance(5*time.Second-time.Millisecond, time.Second, 1))
				select {
				case <-done:
					t.Fatal("returned before the pause elapsed")
				case <-time.After(20 * time.Millisecond):
				}
				clk.Advance(time.Millisecond)
			}

			var res outcome
			select {
			case res = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not return")
			}

			require.Error(t, res.err)
			assert.Equal(t, tc.output, string(res.got))

			var cmdErr *CommandError
			require.ErrorAs(t, res.err, &cmdErr)
			assert.Equal(t, []string{"-c", "/srv/app/ckan.ini", "db", "init"}, cmdErr.Args)
			assert.Equal(t, tc.output, string(cmdErr.Output))

			assert.Equal(t, tc.wantTransient, errors.Is(res.err, ErrTransient))
		})
	}
}

func TestSetConfig_UsesPositionalIni(t *testing.T) {
	t.Parallel()

	se := &scriptedExec{}
	r := makeRunner(se, testclock.NewClock(time.Time{}))

	require.NoError(t, r.SetConfig(context.Background(), "ckan.plugins", "envvars datastore"))

	require.Len(t, se.calls, 1)
	assert.Equal(t,
		[]string{"config-tool", "/srv/app/ckan.ini", "ckan.plugins = envvars datastore"},
		se.calls[0].args)
}

func TestUserExists(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{name: "absent", output: "User: None\n", want: false},
		{name: "absent without space", output: "User:None", want: false},
		{name: "absent with noise", output: "2024-01-01 INFO loading\nUser:\n  None\n", want: false},
		{name: "present", output: "User: <User id=abc name=admin>\n", want: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			se := &scriptedExec{results: []result{out(tc.output)}}
			r := makeRunner(se, testclock.NewClock(time.Time{}))

			got, err := r.UserExists(context.Background(), "admin")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, []string{"-c", "/srv/app/ckan.ini", "user", "show", "admin"}, se.calls[0].args)
		})
	}
}

func TestUserExists_IgnoresStderr(t *testing.T) {
	t.Parallel()

	se := &scriptedExec{results: []result{{
		stdout:   []byte("User: <User name=admin>"),
		combined: []byte("WARNING User:None is deprecated\nUser: <User name=admin>"),
	}}}
	r := makeRunner(se, testclock.NewClock(time.Time{}))

	got, err := r.UserExists(context.Background(), "admin")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestAddUser_RedactsPassword(t *testing.T) {
	t.Parallel()

	se := &scriptedExec{
		results: []result{out("boom")},
		errs:    []error{errors.New("exit status 2")},
	}
	r := makeRunner(se, testclock.NewClock(time.Time{}))

	err := r.AddUser(context.Background(), "admin", "hunter2", "admin@example.org")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "hunter2")
	assert.Contains(t, err.Error(), "password=***")

	// The real argument list is passed through untouched.
	assert.Contains(t, se.calls[0].args, "password=hunter2")
	assert.Contains(t, se.calls[0].args, "email=admin@example.org")
}

func TestInitExtension(t *testing.T) {
	t.Parallel()

	for _, ext := range []Extension{Harvester, Spatial, Taxonomy} {
		se := &scriptedExec{}
		r := makeRunner(se, testclock.NewClock(time.Time{}))

		require.NoError(t, r.InitExtension(context.Background(), ext))
		assert.Equal(t, append([]string{"-c", "/srv/app/ckan.ini"}, ext.Args...), se.calls[0].args, ext.Name)
	}
}

func TestDatastorePermissions_StripsConnect(t *testing.T) {
	t.Parallel()

	script := `\connect "datastore"
REVOKE CREATE ON SCHEMA public FROM PUBLIC;
GRANT SELECT ON ALL TABLES IN SCHEMA public TO datastore_ro;
`
	se := &scriptedExec{results: []result{out(script)}}
	r := makeRunner(se, testclock.NewClock(time.Time{}))

	got, err := r.DatastorePermissions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"-c", "/srv/app/ckan.ini", "datastore", "set-permissions"}, se.calls[0].args)

	sql := got.SQL()
	assert.NotContains(t, sql, `\connect`)
	assert.Contains(t, sql, "REVOKE CREATE ON SCHEMA public FROM PUBLIC;")
	assert.Contains(t, sql, "GRANT SELECT ON ALL TABLES IN SCHEMA public TO datastore_ro;")
}

func TestRealExec_CapturesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell script")
	}
	t.Parallel()

	bin := filepath.Join(t.TempDir(), "ckan")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\necho \"args: $*\"\necho oops >&2\nexit 3\n"), 0o755))

	r := NewRunner(config.CKANConfig{Binary: bin, Ini: "/tmp/ckan.ini"}, 0)
	got, err := r.Run(context.Background(), "db", "init")

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Contains(t, string(got), "args: -c /tmp/ckan.ini db init")
	assert.Contains(t, string(got), "oops")
	assert.False(t, errors.Is(err, ErrTransient))
}
