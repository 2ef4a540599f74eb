package commands

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/access-news/cqrs"
	"github.com/access-news/cqrs/config"
	"github.com/access-news/cqrs/domain"
	"github.com/access-news/cqrs/identity"
)

func memoryConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Store.Driver = config.DriverMemory
	cfg.Store.URL = ""
	cfg.State.Driver = config.DriverMemory
	cfg.Projector.PollInterval = 10 * time.Millisecond
	cfg.Log.Env = "production"
	return cfg
}

func newTestRuntime(t *testing.T, cfg *config.Config, opts ...RuntimeOption) *Runtime {
	t.Helper()
	if cfg == nil {
		cfg = memoryConfig()
	}
	opts = append([]RuntimeOption{WithProvisioner(identity.NewMemoryProvisioner())}, opts...)

	rt, err := NewRuntime(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

// run executes the root command against rt and returns its output.
func run(t *testing.T, rt *Runtime, args ...string) (string, error) {
	t.Helper()
	return runContext(context.Background(), t, rt, args...)
}

func runContext(ctx context.Context, t *testing.T, rt *Runtime, args ...string) (string, error) {
	t.Helper()

	var opts []RootOption
	if rt != nil {
		opts = append(opts, WithRuntime(rt))
	}
	root := NewRootCommand(opts...)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--no-color"))

	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func register(t *testing.T, rt *Runtime, first, last, email string, groups ...string) string {
	t.Helper()
	result, err := rt.People().Register(context.Background(), domain.Registration{
		FirstName: first,
		LastName:  last,
		Email:     email,
		Groups:    groups,
	})
	require.NoError(t, err)
	return result.StreamID
}

// project runs the project command until the projector has caught up.
func project(t *testing.T, rt *Runtime) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	out, err := runContext(ctx, t, rt, "project")
	require.NoError(t, err)
	return out
}

func TestNewRuntime(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		rt := newTestRuntime(t, nil)

		assert.NotNil(t, rt.Store)
		assert.NotNil(t, rt.States)
		assert.NotNil(t, rt.Checkpoints)
		assert.NotNil(t, rt.Dispatcher)
		assert.Equal(t, "json", rt.Serializer.Name())
		assert.Nil(t, rt.Metrics)
		assert.NoError(t, rt.Ping(ctx))
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := memoryConfig()
		cfg.State.Serializer = "xml"

		_, err := NewRuntime(ctx, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})

	t.Run("sqlite with msgpack state", func(t *testing.T) {
		cfg := memoryConfig()
		cfg.Store.Driver = config.DriverSQLite
		cfg.Store.URL = filepath.Join(t.TempDir(), "events.db")
		cfg.State.Driver = config.DriverSQLite
		cfg.State.Serializer = "msgpack"

		rt := newTestRuntime(t, cfg)
		assert.Equal(t, "msgpack", rt.Serializer.Name())

		stream := register(t, rt, "Ada", "Lovelace", "ada@example.com")
		project(t, rt)

		rec, err := rt.States.Get(ctx, stream)
		require.NoError(t, err)
		require.NotNil(t, rec)
		state, err := cqrs.DecodeState(rt.Serializer, *rec)
		require.NoError(t, err)
		assert.Equal(t, int64(2), state.Meta.Seq)
	})

	t.Run("redis state", func(t *testing.T) {
		mr := miniredis.RunT(t)

		cfg := memoryConfig()
		cfg.State.Driver = config.DriverRedis
		cfg.State.URL = "redis://" + mr.Addr()
		cfg.State.Serializer = "protobuf"

		rt := newTestRuntime(t, cfg)
		assert.NoError(t, rt.Ping(ctx))

		register(t, rt, "Ada", "Lovelace", "ada@example.com")
		project(t, rt)

		records, err := rt.States.List(ctx, domain.Person)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})

	t.Run("metrics and tracing", func(t *testing.T) {
		cfg := memoryConfig()
		cfg.Observability.MetricsAddr = "127.0.0.1:0"
		cfg.Observability.Tracing = true

		var spans bytes.Buffer
		rt := newTestRuntime(t, cfg, WithTraceOutput(&spans))
		require.NotNil(t, rt.Metrics)
		require.NotNil(t, rt.Registry)

		_, err := run(t, rt, "execute", domain.Person, "p1", "add_person",
			"--field", "first_name=Ada", "--field", "last_name=Lovelace")
		require.NoError(t, err)

		count, err := testutil.GatherAndCount(rt.Registry, "cqrs_commands_total")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		assert.Contains(t, spans.String(), "add_person")
	})
}

func TestRuntime_NewRelay(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled without destinations", func(t *testing.T) {
		rt := newTestRuntime(t, nil)

		_, err := rt.NewRelay(ctx)
		assert.ErrorIs(t, err, ErrRelayDisabled)
	})

	t.Run("webhook", func(t *testing.T) {
		var received atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.Copy(io.Discard, r.Body)
			received.Add(1)
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		cfg := memoryConfig()
		cfg.Relay.Webhook.URL = srv.URL
		rt := newTestRuntime(t, cfg)

		register(t, rt, "Ada", "Lovelace", "ada@example.com")

		rl, err := rt.NewRelay(ctx)
		require.NoError(t, err)

		n, err := rl.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Positive(t, received.Load())

		pos, err := rt.Checkpoints.GetCheckpoint(ctx, cfg.Relay.Name)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), pos)
	})
}

func TestRootCommand(t *testing.T) {
	t.Run("has all subcommands", func(t *testing.T) {
		root := NewRootCommand()

		var names []string
		for _, c := range root.Commands() {
			names = append(names, c.Name())
		}
		for _, want := range []string{"init", "migrate", "execute", "person", "project", "rebuild", "state", "views", "status", "version"} {
			assert.Contains(t, names, want)
		}
	})

	t.Run("missing config file", func(t *testing.T) {
		_, err := run(t, nil, "status", "--config", filepath.Join(t.TempDir(), "cqrs.yaml"))
		require.Error(t, err)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("version", func(t *testing.T) {
		out, err := run(t, nil, "version")
		require.NoError(t, err)
		assert.Contains(t, out, "Version")
		assert.Contains(t, out, Version)
	})
}

func TestInitCommand(t *testing.T) {
	t.Run("writes sqlite config", func(t *testing.T) {
		dir := t.TempDir()

		out, err := run(t, nil, "init", dir, "--non-interactive", "--driver", "sqlite", "--name", "newsroom", "--serializer", "msgpack")
		require.NoError(t, err)
		assert.Contains(t, out, "Created cqrs.yaml")

		cfg, err := config.Load(dir)
		require.NoError(t, err)
		assert.Equal(t, "newsroom", cfg.Project.Name)
		assert.Equal(t, config.DriverSQLite, cfg.Store.Driver)
		assert.Equal(t, "events.db", cfg.Store.URL)
		assert.Equal(t, config.DriverSQLite, cfg.State.Driver)
		assert.Equal(t, "msgpack", cfg.State.Serializer)
	})

	t.Run("defaults to postgres", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "deploy")

		_, err := run(t, nil, "init", dir, "--non-interactive")
		require.NoError(t, err)

		data, err := os.ReadFile(filepath.Join(dir, config.ConfigFileName))
		require.NoError(t, err)
		assert.Contains(t, string(data), "${DATABASE_URL}")
		assert.Contains(t, string(data), `name: "deploy"`)
	})

	t.Run("existing config is kept", func(t *testing.T) {
		dir := t.TempDir()
		_, err := run(t, nil, "init", dir, "--non-interactive", "--driver", "memory")
		require.NoError(t, err)

		out, err := run(t, nil, "init", dir, "--non-interactive", "--driver", "sqlite")
		require.NoError(t, err)
		assert.Contains(t, out, "already exists")

		cfg, err := config.Load(dir)
		require.NoError(t, err)
		assert.Equal(t, config.DriverMemory, cfg.Store.Driver)
	})

	t.Run("rejects unknown serializer", func(t *testing.T) {
		_, err := run(t, nil, "init", t.TempDir(), "--non-interactive", "--driver", "memory", "--serializer", "xml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}

func TestMigrateCommand(t *testing.T) {
	t.Run("memory config on disk", func(t *testing.T) {
		dir := t.TempDir()
		_, err := run(t, nil, "init", dir, "--non-interactive", "--driver", "memory")
		require.NoError(t, err)

		out, err := run(t, nil, "migrate", "--config", filepath.Join(dir, config.ConfigFileName))
		require.NoError(t, err)
		assert.Contains(t, out, "doesn't require migrations")
	})

	t.Run("sqlite config on disk", func(t *testing.T) {
		dir := t.TempDir()
		_, err := run(t, nil, "init", dir, "--non-interactive", "--driver", "sqlite", "--url", filepath.Join(dir, "events.db"))
		require.NoError(t, err)

		out, err := run(t, nil, "migrate", "--config", filepath.Join(dir, config.ConfigFileName))
		require.NoError(t, err)
		assert.Contains(t, out, "Schema ready (sqlite log, sqlite state)")
		assert.FileExists(t, filepath.Join(dir, "events.db"))
	})

	t.Run("shared runtime", func(t *testing.T) {
		rt := newTestRuntime(t, nil)

		out, err := run(t, rt, "migrate")
		require.NoError(t, err)
		assert.Contains(t, out, "Schema ready (memory log, memory state)")
	})
}

func TestExecuteCommand(t *testing.T) {
	ctx := context.Background()

	t.Run("appends event from fields", func(t *testing.T) {
		rt := newTestRuntime(t, nil)

		out, err := run(t, rt, "execute", domain.Person, "p1", "add_person",
			"--field", "first_name=Ada", "--field", "last_name=Lovelace")
		require.NoError(t, err)
		assert.Contains(t, out, "Appended person_added to p1")
		assert.Contains(t, out, "Lovelace")

		events, err := rt.Store.Load(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "Ada", events[0].Fields["first_name"])
	})

	t.Run("typed fields and payload", func(t *testing.T) {
		rt := newTestRuntime(t, nil)

		_, err := run(t, rt, "exec", domain.Session, "s1", "start_session", "--payload", `{"user_id":"p1"}`)
		require.NoError(t, err)
		_, err = run(t, rt, "exec", domain.Session, "s1", "end_session", "--field", "seconds:=1800", "--seq", "2")
		require.NoError(t, err)

		events, err := rt.Store.Load(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.EqualValues(t, 1800, events[1].Fields["seconds"])
		assert.Equal(t, int64(2), events[1].Seq)
	})

	t.Run("rejects missing fields", func(t *testing.T) {
		rt := newTestRuntime(t, nil)

		_, err := run(t, rt, "execute", domain.Person, "p1", "add_person", "--field", "first_name=Ada")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "command rejected")

		head, err := rt.Store.GetLastPosition(ctx)
		require.NoError(t, err)
		assert.Zero(t, head)
	})

	t.Run("rejects unknown aggregate", func(t *testing.T) {
		rt := newTestRuntime(t, nil)

		_, err := run(t, rt, "execute", "invoice", "i1", "commands")
		assert.ErrorIs(t, err, cqrs.ErrUnknownAggregate)
	})

	t.Run("lists commands", func(t *testing.T) {
		rt := newTestRuntime(t, nil)

		out, err := run(t, rt, "execute", domain.Recording, "r1", "commands")
		require.NoError(t, err)
		assert.Contains(t, out, "add_recording")
	})
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		pairs   []string
		want    cqrs.Fields
		wantErr string
	}{
		{
			name:  "strings stay strings",
			pairs: []string{"phone_number=0123", "email=a=b@example.com"},
			want:  cqrs.Fields{"phone_number": "0123", "email": "a=b@example.com"},
		},
		{
			name:  "typed values",
			pairs: []string{"seconds:=30", "duration:=312.5", "tags:=[\"a\"]"},
			want:  cqrs.Fields{"seconds": float64(30), "duration": 312.5, "tags": []interface{}{"a"}},
		},
		{
			name:  "fields override payload",
			raw:   `{"user_id":"p1","publication":"Tribune"}`,
			pairs: []string{"user_id=p2"},
			want:  cqrs.Fields{"user_id": "p2", "publication": "Tribune"},
		},
		{name: "missing equals", pairs: []string{"email"}, wantErr: "want key=value"},
		{name: "empty key", pairs: []string{"=x"}, wantErr: "want key=value"},
		{name: "bad json value", pairs: []string{"seconds:=thirty"}, wantErr: "invalid --field"},
		{name: "bad payload", raw: "{", wantErr: "invalid --payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePayload(tt.raw, tt.pairs)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPersonRegisterCommand(t *testing.T) {
	t.Run("requires names and email", func(t *testing.T) {
		rt := newTestRuntime(t, nil)

		_, err := run(t, rt, "person", "register", "--non-interactive", "--first-name", "Ada")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "are required")
	})

	t.Run("records events and account", func(t *testing.T) {
		provisioner := identity.NewMemoryProvisioner()
		rt := newTestRuntime(t, nil, WithProvisioner(provisioner))

		out, err := run(t, rt, "person", "register", "--non-interactive",
			"--first-name", "Ada", "--last-name", "Lovelace",
			"--email", "ada@example.com", "--phone", "555-0100",
			"--group", domain.GroupReaders, "--group", domain.GroupListeners)
		require.NoError(t, err)

		assert.Contains(t, out, "Registered Ada Lovelace")
		assert.Contains(t, out, domain.PersonAdded)
		assert.Contains(t, out, domain.AddedToGroup)
		assert.Contains(t, out, "Account")
		assert.Equal(t, 1, provisioner.Len())

		head, err := rt.Store.GetLastPosition(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(5), head)
	})
}

func TestProjectionCommands(t *testing.T) {
	rt := newTestRuntime(t, nil)
	ada := register(t, rt, "Ada", "Lovelace", "ada@example.com", domain.GroupReaders)
	register(t, rt, "Grace", "Hopper", "grace@example.com", domain.GroupListeners)

	t.Run("status before projecting", func(t *testing.T) {
		out, err := run(t, rt, "status")
		require.NoError(t, err)
		assert.Contains(t, out, "events behind")
		assert.Contains(t, out, "cqrs project")
	})

	t.Run("state is empty before projecting", func(t *testing.T) {
		out, err := run(t, rt, "state", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "No projected state")
	})

	t.Run("project", func(t *testing.T) {
		out := project(t, rt)
		assert.Contains(t, out, "Projecting people from log")
		assert.Contains(t, out, "Applied")

		pos, err := rt.Checkpoints.GetCheckpoint(context.Background(), rt.Config.Projector.Name)
		require.NoError(t, err)
		assert.Equal(t, uint64(6), pos)
	})

	t.Run("status after projecting", func(t *testing.T) {
		out, err := run(t, rt, "status")
		require.NoError(t, err)
		assert.Contains(t, out, "up to date at 6")
		assert.Contains(t, out, "All checks passed")
	})

	t.Run("state get", func(t *testing.T) {
		out, err := run(t, rt, "state", "get", ada)
		require.NoError(t, err)
		assert.Contains(t, out, "Lovelace")
		assert.Contains(t, out, "aggregate: person")

		out, err = run(t, rt, "state", "get", ada, "--json")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "{"))
	})

	t.Run("state get unknown stream", func(t *testing.T) {
		_, err := run(t, rt, "state", "get", "nobody")
		assert.ErrorIs(t, err, cqrs.ErrStreamNotFound)
	})

	t.Run("state list", func(t *testing.T) {
		out, err := run(t, rt, "state", "list", "--aggregate", domain.Person)
		require.NoError(t, err)
		assert.Contains(t, out, ada)
		assert.Contains(t, out, "2 streams")

		out, err = run(t, rt, "state", "list", "-a", domain.Session)
		require.NoError(t, err)
		assert.Contains(t, out, "No projected state")
	})

	t.Run("views roster", func(t *testing.T) {
		out, err := run(t, rt, "views", "--group", domain.GroupReaders)
		require.NoError(t, err)
		assert.Contains(t, out, "Lovelace")
		assert.NotContains(t, out, "Hopper")

		out, err = run(t, rt, "views", "--group", domain.GroupAdmins)
		require.NoError(t, err)
		assert.Contains(t, out, "No members in admins")
	})

	t.Run("views directory", func(t *testing.T) {
		out, err := run(t, rt, "views", "--json")
		require.NoError(t, err)
		assert.Contains(t, out, "Hopper")
		assert.Contains(t, out, "Lovelace")
	})

	t.Run("rebuild", func(t *testing.T) {
		out, err := run(t, rt, "rebuild", "--force")
		require.NoError(t, err)
		assert.Contains(t, out, "Rebuilt people")

		records, err := rt.States.List(context.Background(), domain.Person)
		require.NoError(t, err)
		assert.Len(t, records, 2)

		pos, err := rt.Checkpoints.GetCheckpoint(context.Background(), rt.Config.Projector.Name)
		require.NoError(t, err)
		assert.Equal(t, uint64(6), pos)
	})

	t.Run("rebuild to position", func(t *testing.T) {
		_, err := run(t, rt, "rebuild", "--force", "--to", "3")
		require.NoError(t, err)

		records, err := rt.States.List(context.Background(), domain.Person)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})
}

func TestProjectCommand_UnknownSource(t *testing.T) {
	rt := newTestRuntime(t, nil)

	_, err := run(t, rt, "project", "--source", "carrier-pigeon")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source")
}

func TestProjectCommand_RelayDisabled(t *testing.T) {
	rt := newTestRuntime(t, nil)

	_, err := run(t, rt, "project", "--relay")
	assert.ErrorIs(t, err, ErrRelayDisabled)
}
