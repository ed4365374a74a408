// Package cli provides the shift command tree. Migrations are Go code, so the
// program embedding shift builds the command with its own Registry:
//
//	cmd := cli.NewCommand(cli.Options{Registry: registry, Writer: writerFor})
//	if err := cmd.Run(ctx, os.Args); err != nil {
//		log.Fatal(err)
//	}
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mantty/shift"
	"github.com/mantty/shift/memory"
	"github.com/mantty/shift/postgres"
	"github.com/mantty/shift/sqlite"
	"github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	version = "0.1.0"

	defaultConfigFile = "shift.yaml"
)

type (
	// WriterFunc returns the SchemaWriter that applies migrations to env. store
	// is the ledger store opened for env; writers sharing its transaction read it
	// from the context passed to the SchemaWriter methods.
	WriterFunc func(ctx context.Context, env shift.EnvironmentConfig, store shift.Store) (shift.SchemaWriter, error)

	// OpenFunc opens the adapter of an environment. The returned close function
	// releases it.
	OpenFunc func(ctx context.Context, env shift.EnvironmentConfig, logger *zap.Logger) (shift.Adapter, func() error, error)

	// Options configures NewCommand
	Options struct {
		Registry *shift.Registry
		// Writer supplies schema writers. When nil, only stores that are
		// themselves SchemaWriters (the memory adapter) can run migrations.
		Writer WriterFunc
		// Open replaces the default adapter construction
		Open OpenFunc
		// Logger replaces the logger built from the --verbose flag
		Logger *zap.Logger
	}

	app struct {
		opts   Options
		logger *zap.Logger
	}

	// session is one opened environment
	session struct {
		env     shift.Environment
		manager *shift.Manager
		close   func() error
	}
)

// NewCommand builds the shift command tree
func NewCommand(opts Options) *cli.Command {
	a := &app{opts: opts}
	if a.opts.Registry == nil {
		a.opts.Registry = shift.NewRegistry(nil)
	}

	return &cli.Command{
		Name:    "shift",
		Usage:   "Versioned, reversible database schema migrations",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "configuration",
				Aliases: []string{"c"},
				Usage:   "Path to the configuration file",
				Value:   defaultConfigFile,
				Sources: cli.EnvVars("SHIFT_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "environment",
				Aliases: []string{"e"},
				Usage:   "The target environment",
				Sources: cli.EnvVars("SHIFT_ENVIRONMENT"),
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Before: a.before,
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "Write an example configuration file",
				Action: a.initCommand,
			},
			{
				Name:  "migrate",
				Usage: "Apply pending migrations",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "target", Aliases: []string{"t"}, Usage: "The version to migrate to"},
					&cli.StringFlag{Name: "date", Aliases: []string{"d"}, Usage: "The date to migrate to, YYYY[MM[DD[HH[II[SS]]]]]"},
					&cli.BoolFlag{Name: "fake", Usage: "Record migrations in the ledger without running them"},
				},
				Action: a.migrateCommand,
			},
			{
				Name:  "rollback",
				Usage: "Revert applied migrations",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "target", Aliases: []string{"t"}, Usage: "The version or name to roll back to; 0 or all reverts everything"},
					&cli.StringFlag{Name: "date", Aliases: []string{"d"}, Usage: "The date to roll back to, YYYY[MM[DD[HH[II[SS]]]]]"},
					&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "Ignore breakpoints"},
					&cli.BoolFlag{Name: "fake", Usage: "Remove migrations from the ledger without running them"},
				},
				Action: a.rollbackCommand,
			},
			{
				Name:  "status",
				Usage: "Show migration status",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Usage: "Output format, text or json", Value: formatText},
				},
				Action: a.statusCommand,
			},
			{
				Name:  "breakpoint",
				Usage: "Manage breakpoints",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "target", Aliases: []string{"t"}, Usage: "The version to set or clear a breakpoint against"},
					&cli.BoolFlag{Name: "remove-all", Aliases: []string{"r"}, Usage: "Remove all breakpoints"},
					&cli.BoolFlag{Name: "set", Usage: "Set the breakpoint"},
					&cli.BoolFlag{Name: "unset", Usage: "Clear the breakpoint"},
				},
				Action: a.breakpointCommand,
			},
			{
				Name:   "test",
				Usage:  "Verify the configuration and the environment's database",
				Action: a.testCommand,
			},
		},
	}
}

func (a *app) before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	if a.opts.Logger != nil {
		a.logger = a.opts.Logger
		return ctx, nil
	}
	logger, err := newLogger(cmd.Bool("verbose"))
	if err != nil {
		return ctx, fmt.Errorf("failed to create logger: %w", err)
	}
	a.logger = logger
	return ctx, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	config := zap.NewProductionConfig()
	config.Encoding = "console"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	return config.Build()
}

func out(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func (a *app) initCommand(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("configuration")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}

	loader := &shift.ConfigLoader{}
	if err := os.WriteFile(path, []byte(loader.GenerateExampleConfig()), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(out(cmd), "Created %s\n", path)
	return nil
}

func (a *app) migrateCommand(ctx context.Context, cmd *cli.Command) (err error) {
	target, date := cmd.String("target"), cmd.String("date")
	if target != "" && date != "" {
		return errors.New("--target and --date cannot be used together")
	}

	s, err := a.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, s.close()) }()

	var result *shift.RunResult
	if date != "" {
		result, err = s.manager.MigrateToDateTime(ctx, s.env, date, cmd.Bool("fake"))
	} else {
		result, err = s.manager.Migrate(ctx, s.env, target, cmd.Bool("fake"))
	}
	printResult(out(cmd), s.env, result)
	return err
}

func (a *app) rollbackCommand(ctx context.Context, cmd *cli.Command) (err error) {
	target, date := cmd.String("target"), cmd.String("date")
	if target != "" && date != "" {
		return errors.New("--target and --date cannot be used together")
	}

	s, err := a.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, s.close()) }()

	var result *shift.RunResult
	if date != "" {
		result, err = s.manager.RollbackToDateTime(ctx, s.env, date, cmd.Bool("force"), cmd.Bool("fake"))
	} else {
		result, err = s.manager.Rollback(ctx, s.env, shift.RollbackOptions{
			Target:                 target,
			Force:                  cmd.Bool("force"),
			TargetMustMatchVersion: true,
			Fake:                   cmd.Bool("fake"),
		})
	}
	printResult(out(cmd), s.env, result)
	return err
}

func (a *app) statusCommand(ctx context.Context, cmd *cli.Command) (err error) {
	format := cmd.String("format")
	if format != formatText && format != formatJSON {
		return fmt.Errorf("unsupported format %q", format)
	}

	s, err := a.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, s.close()) }()

	report, err := s.manager.Status(ctx, s.env)
	if err != nil {
		return err
	}
	if err := renderStatus(out(cmd), report, format); err != nil {
		return err
	}
	if code := report.ExitCode(); code != shift.StatusOK {
		return cli.Exit("", code)
	}
	return nil
}

func (a *app) breakpointCommand(ctx context.Context, cmd *cli.Command) (err error) {
	target := cmd.String("target")
	removeAll, set, unset := cmd.Bool("remove-all"), cmd.Bool("set"), cmd.Bool("unset")
	if removeAll && (target != "" || set || unset) {
		return errors.New("cannot toggle a breakpoint and remove all breakpoints at the same time")
	}
	if set && unset {
		return errors.New("cannot use --set and --unset at the same time")
	}

	s, err := a.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, s.close()) }()

	if removeAll {
		if err := s.manager.RemoveBreakpoints(ctx, s.env); err != nil {
			return err
		}
		fmt.Fprintln(out(cmd), "All breakpoints cleared")
		return nil
	}

	var row shift.LedgerRow
	switch {
	case set:
		row, err = s.manager.SetBreakpoint(ctx, s.env, target, true)
	case unset:
		row, err = s.manager.SetBreakpoint(ctx, s.env, target, false)
	default:
		row, err = s.manager.ToggleBreakpoint(ctx, s.env, target)
	}
	if err != nil {
		return err
	}

	state := "cleared"
	if row.Breakpoint {
		state = "set"
	}
	fmt.Fprintf(out(cmd), "Breakpoint %s for %s %s\n", state, row.Version, row.MigrationName)
	return nil
}

func (a *app) testCommand(ctx context.Context, cmd *cli.Command) (err error) {
	s, err := a.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, s.close()) }()

	if _, err := s.env.Adapter.VersionLog(ctx); err != nil {
		return fmt.Errorf("failed to read the ledger of %s: %w", s.env.Name, err)
	}
	fmt.Fprintf(out(cmd), "Environment %s: %d migrations registered, database reachable\n",
		s.env.Name, a.opts.Registry.Len())
	fmt.Fprintln(out(cmd), "success!")
	return nil
}

func (a *app) open(ctx context.Context, cmd *cli.Command) (*session, error) {
	config, err := shift.LoadConfig(cmd.String("configuration"))
	if err != nil {
		return nil, err
	}
	envConfig, err := config.Environment(cmd.String("environment"))
	if err != nil {
		return nil, err
	}

	open := a.opts.Open
	if open == nil {
		open = a.defaultOpen
	}
	adapter, closeFn, err := open(ctx, envConfig, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open environment %s: %w", envConfig.Name, err)
	}

	a.logger.Debug("Using environment",
		zap.String("environment", envConfig.Name),
		zap.String("adapter", envConfig.Adapter),
		zap.String("migration_table", envConfig.MigrationTable),
	)

	return &session{
		env: shift.Environment{
			Name:         envConfig.Name,
			Adapter:      adapter,
			VersionOrder: config.Order(),
		},
		manager: shift.NewManager(a.opts.Registry, shift.WithLogger(a.logger)),
		close:   closeFn,
	}, nil
}

func (a *app) defaultOpen(ctx context.Context, env shift.EnvironmentConfig, logger *zap.Logger) (shift.Adapter, func() error, error) {
	store, closeFn, err := openStore(ctx, env, logger)
	if err != nil {
		return nil, nil, err
	}

	if a.opts.Writer == nil {
		if adapter, ok := store.(shift.Adapter); ok {
			return adapter, closeFn, nil
		}
		return nil, nil, multierr.Append(&shift.ConfigurationError{
			Setting: "environments." + env.Name + ".adapter",
			Err:     fmt.Errorf("no schema writer available for adapter %q", env.Adapter),
		}, closeFn())
	}

	writer, err := a.opts.Writer(ctx, env, store)
	if err != nil {
		return nil, nil, multierr.Append(err, closeFn())
	}
	return shift.Bind(writer, store), closeFn, nil
}

func openStore(ctx context.Context, env shift.EnvironmentConfig, logger *zap.Logger) (shift.Store, func() error, error) {
	switch env.Adapter {
	case shift.AdapterPostgres:
		db, err := postgres.NewDB(ctx, env.DSN,
			postgres.WithMigrationTable(env.MigrationTable),
			postgres.WithLogger(logger),
		)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	case shift.AdapterSQLite:
		store, err := sqlite.NewSqlStore(ctx, env.DSN,
			sqlite.WithMigrationTable(env.MigrationTable),
			sqlite.WithLogger(logger),
		)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case shift.AdapterMemory:
		return memory.New(), func() error { return nil }, nil
	}
	return nil, nil, &shift.ConfigurationError{
		Setting: "environments." + env.Name + ".adapter",
		Err:     fmt.Errorf("unsupported adapter %q", env.Adapter),
	}
}
