package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/igolaizola/acecover/pkg/cmd/migrate"
	"github.com/igolaizola/acecover/pkg/cmd/run"
	"github.com/igolaizola/acecover/pkg/cmd/serve"
	"github.com/igolaizola/acecover/pkg/cmd/submit"
	"github.com/igolaizola/acecover/pkg/cmd/work"
	"github.com/igolaizola/acecover/pkg/worker"
	"github.com/peterbourgon/ff/ffyaml"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
)

const envPrefix = "ACESTEP"

func New(version, commit, date string) *ffcli.Command {
	fs := flag.NewFlagSet("acecover", flag.ExitOnError)

	return &ffcli.Command{
		ShortUsage: "acecover [flags] <subcommand>",
		FlagSet:    fs,
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
		Subcommands: []*ffcli.Command{
			newVersionCommand(version, commit, date),
			newServeCommand(version),
			newWorkCommand(version),
			newRunCommand(version),
			newSubmitCommand(),
			newMigrateCommand(),
		},
	}
}

func versionString(version, commit, date string) string {
	v := version
	if v == "" {
		if buildInfo, ok := debug.ReadBuildInfo(); ok {
			v = buildInfo.Main.Version
		}
	}
	if v == "" {
		v = "dev"
	}
	versionFields := []string{v}
	if commit != "" {
		versionFields = append(versionFields, commit)
	}
	if date != "" {
		versionFields = append(versionFields, date)
	}
	return strings.Join(versionFields, " ")
}

func newVersionCommand(version, commit, date string) *ffcli.Command {
	return &ffcli.Command{
		Name:       "version",
		ShortUsage: "acecover version",
		ShortHelp:  "print version",
		Exec: func(ctx context.Context, args []string) error {
			fmt.Println(versionString(version, commit, date))
			return nil
		},
	}
}

func options() []ff.Option {
	return []ff.Option{
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ffyaml.Parser),
		ff.WithEnvVarPrefix(envPrefix),
	}
}

// workerFlags registers the flags shared by every command that runs jobs.
func workerFlags(fs *flag.FlagSet, cfg *worker.Config, version string) {
	cfg.Version = versionString(version, "", "")

	fs.BoolVar(&cfg.Debug, "debug", false, "debug mode")

	// Model
	fs.StringVar(&cfg.Model, "model", "acestep-v15-turbo", "model config identifier")
	fs.StringVar(&cfg.Root, "root", "/app/acestep", "model project root")
	fs.StringVar(&cfg.Device, "device", "cuda", "model device")
	fs.StringVar(&cfg.LoadPolicy, "load-policy", "retry", "what to do after a failed model load (retry, sticky)")
	fs.BoolVar(&cfg.Preload, "preload", false, "load the model at startup")
	fs.StringVar(&cfg.Python, "python", "", "python interpreter used to run the model bridge (default python3)")
	fs.StringVar(&cfg.BridgeCmd, "bridge-cmd", "", "custom model bridge command (optional)")
	fs.StringVar(&cfg.TempDir, "temp-dir", "", "folder for staged and generated audio (default system temp)")

	// Job history
	fs.StringVar(&cfg.DBType, "db-type", "", "job history db type (sqlite, mysql, postgres) (optional)")
	fs.StringVar(&cfg.DBConn, "db-conn", "", "path for sqlite, dsn for mysql or postgres")
	fs.BoolVar(&cfg.DBMigrate, "db-migrate", false, "migrate the job history tables at startup")

	// Audio archive
	fs.StringVar(&cfg.FSType, "fs-type", "", "audio archive type (local, s3) (optional)")
	fs.StringVar(&cfg.FSConn, "fs-conn", "", "path for local, key:secret@bucket.region for s3")
}

func redisFlags(fs *flag.FlagSet, addr, password *string, db *int, input, output *string) {
	fs.StringVar(addr, "redis-addr", "localhost:6379", "redis address")
	fs.StringVar(password, "redis-password", "", "redis password")
	fs.IntVar(db, "redis-db", 0, "redis database")
	fs.StringVar(input, "input", "acecover:jobs", "redis list to pop jobs from")
	fs.StringVar(output, "output", "acecover:results", "redis list to push responses to")
}

func newServeCommand(version string) *ffcli.Command {
	cmd := "serve"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &serve.Config{}
	workerFlags(fs, &cfg.Config, version)
	fs.StringVar(&cfg.Addr, "addr", ":8000", "server address")
	fs.DurationVar(&cfg.Timeout, "timeout", 0, "request timeout (optional)")
	fsMapVar(fs, &cfg.Credentials, "creds", nil, "credentials to use (semicolon separated) Example: user1:pass1;user2:pass2")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("acecover %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  fmt.Sprintf("acecover %s runs jobs received over http", cmd),
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return serve.Serve(ctx, cfg)
		},
	}
}

func newWorkCommand(version string) *ffcli.Command {
	cmd := "work"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &work.Config{}
	workerFlags(fs, &cfg.Config, version)
	redisFlags(fs, &cfg.RedisAddr, &cfg.RedisPassword, &cfg.RedisDB, &cfg.Input, &cfg.Output)
	fs.DurationVar(&cfg.Timeout, "timeout", 0, "job timeout (optional)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "address to serve metrics and health on (optional)")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("acecover %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  fmt.Sprintf("acecover %s runs jobs from a redis queue", cmd),
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return work.Run(ctx, cfg)
		},
	}
}

func newRunCommand(version string) *ffcli.Command {
	cmd := "run"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &run.Config{}
	workerFlags(fs, &cfg.Config, version)
	fs.StringVar(&cfg.Job, "job", "", "job json file (optional)")
	fs.StringVar(&cfg.Reference, "reference", "", "reference audio file")
	fs.StringVar(&cfg.Prompt, "prompt", "", "prompt (overrides the job file)")
	fs.BoolVar(&cfg.Ping, "ping", false, "send a ping job")
	fs.StringVar(&cfg.Output, "output", "", "output wav file (optional)")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("acecover %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  fmt.Sprintf("acecover %s runs a single job", cmd),
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return run.Run(ctx, cfg)
		},
	}
}

func newSubmitCommand() *ffcli.Command {
	cmd := "submit"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &submit.Config{}
	fs.BoolVar(&cfg.Debug, "debug", false, "debug mode")
	redisFlags(fs, &cfg.RedisAddr, &cfg.RedisPassword, &cfg.RedisDB, &cfg.Input, &cfg.Output)
	fs.StringVar(&cfg.Job, "job", "", "job json file (optional)")
	fs.StringVar(&cfg.Reference, "reference", "", "reference audio file")
	fs.StringVar(&cfg.Prompt, "prompt", "", "prompt (overrides the job file)")
	fs.BoolVar(&cfg.Ping, "ping", false, "send a ping job")
	fs.DurationVar(&cfg.Wait, "wait", 0, "wait for the response up to this long (optional)")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("acecover %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  fmt.Sprintf("acecover %s pushes a job to the redis queue", cmd),
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return submit.Run(ctx, cfg)
		},
	}
}

func newMigrateCommand() *ffcli.Command {
	cmd := "migrate"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &migrate.Config{}
	fs.BoolVar(&cfg.Debug, "debug", false, "debug mode")
	fs.StringVar(&cfg.DBType, "db-type", "", "db type (sqlite, mysql, postgres)")
	fs.StringVar(&cfg.DBConn, "db-conn", "", "path for sqlite, dsn for mysql or postgres")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("acecover %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  fmt.Sprintf("acecover %s creates the job history tables", cmd),
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return migrate.Run(ctx, cfg)
		},
	}
}

type mapValue struct {
	v *map[string]string
}

func (m *mapValue) String() string {
	if m.v == nil {
		return ""
	}
	return fmt.Sprintf("%v", map[string]string(*m.v))
}

func (m *mapValue) Set(value string) error {
	if m.v == nil {
		return errors.New("nil map reference")
	}
	pairs := strings.Split(value, ";")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid map entry: %s", pair)
		}
		(*m.v)[parts[0]] = parts[1]
	}
	return nil
}

func fsMapVar(fs *flag.FlagSet, p *map[string]string, name string, value map[string]string, usage string) {
	if value == nil {
		value = make(map[string]string)
	}
	*p = value
	fs.Var(&mapValue{p}, name, usage)
}
