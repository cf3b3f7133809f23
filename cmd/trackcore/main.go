// Command trackcore repairs, checks, edits and exports the tracked-object link
// graphs held in the configured store.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"trackcore/internal/config"
	"trackcore/internal/core"
	"trackcore/internal/infra/blob"
	blobcore "trackcore/internal/infra/blob/core"
	"trackcore/pkg/logging"
)

var exitFunc = os.Exit

// app carries what every subcommand needs. The openers are swapped in tests.
type app struct {
	configPath string
	logLevel   string
	trace      bool

	openStorage func(context.Context, core.StorageConfig) (core.PersistentStore, error)
	openBlobs   func(context.Context, blob.Config) (blobcore.Store, error)

	cfg     config.Config
	logger  *logging.Logger
	store   core.PersistentStore
	svc     *core.Service
	metrics *core.ExpvarMetricsRecorder
	out     io.Writer
	errOut  io.Writer
}

func newApp(out, errOut io.Writer) *app {
	return &app{
		openStorage: core.OpenStorage,
		openBlobs:   blob.Open,
		out:         out,
		errOut:      errOut,
	}
}

func main() {
	a := newApp(os.Stdout, os.Stderr)
	err := newRootCmd(a).Execute()
	// post-run hooks are skipped when a command fails
	_ = a.teardown()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		exitFunc(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "trackcore",
		Short:         "Edit and repair temporal link graphs of tracked objects",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.teardown()
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML policy/config file (default $"+config.EnvPolicyFile+")")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().BoolVar(&a.trace, "trace", false, "write one JSON span per edit batch to stderr")

	root.AddCommand(
		newRepairCmd(a),
		newCheckCmd(a),
		newLinkCmd(a),
		newExportCmd(a),
		newPositionsCmd(a),
	)
	return root
}

func (a *app) setup(ctx context.Context) error {
	path := a.configPath
	if path == "" {
		path = os.Getenv(config.EnvPolicyFile)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg

	logCfg := cfg.Logging()
	logCfg.Output = a.errOut
	a.logger = logging.New(logCfg)

	store, err := a.openStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.metrics = core.NewExpvarMetricsRecorder("")

	opts := []core.Option{
		core.WithLogger(a.logger),
		core.WithReviewStore(store),
		core.WithMetricsRecorder(a.metrics),
	}
	if a.trace {
		opts = append(opts, core.WithTracer(core.NewJSONTracer(a.errOut)))
	}
	opts = append(opts, cfg.EditOptions()...)
	a.svc = core.NewService(store, cfg.Policy(), opts...)
	a.logger.Debug("trackcore ready", "storage", cfg.Storage.Driver, "classes", len(cfg.Classes))
	return nil
}

// teardown is safe to call more than once.
func (a *app) teardown() error {
	if a.metrics != nil && a.logger != nil {
		snap := a.metrics.Snapshot()
		a.logger.Debug("edit metrics", "results", snap.Results, "durations_ms", snap.DurationsMS)
		a.metrics = nil
	}
	var err error
	if a.store != nil {
		err = core.CloseStorage(a.store)
		a.store = nil
	}
	if a.logger != nil {
		if cerr := a.logger.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
