// Package cmd implements the squad CLI.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zjrosen/squad/internal/captain"
	"github.com/zjrosen/squad/internal/config"
	"github.com/zjrosen/squad/internal/convoy"
	"github.com/zjrosen/squad/internal/graph"
	"github.com/zjrosen/squad/internal/log"
	"github.com/zjrosen/squad/internal/paths"
	"github.com/zjrosen/squad/internal/plan"
	"github.com/zjrosen/squad/internal/routing"
	"github.com/zjrosen/squad/internal/signal"
	"github.com/zjrosen/squad/internal/workstate/hooks"
	"github.com/zjrosen/squad/internal/workstate/store"
)

// version is set at build time via ldflags.
var version = "dev"

var (
	dirFlag   string
	debugFlag bool
)

var rootCmd = &cobra.Command{
	Use:           "squad",
	Short:         "Multi-agent work orchestration",
	Long:          `Squad coordinates a crew of worker agents: it breaks tickets into dependency-ordered work items, routes them to healthy agents, and executes them in bounded-parallel convoys.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dirFlag, "dir", "", "project or .squad directory (default ./.squad)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
}

// environmentError marks failures of the surrounding environment (filesystem,
// locks, database) as opposed to bad user input or configuration.
type environmentError struct{ err error }

func (e environmentError) Error() string { return e.err.Error() }
func (e environmentError) Unwrap() error { return e.err }

func envErr(err error) error { return environmentError{err: err} }

// Execute runs the CLI and returns the process exit code: 0 on success, 1 on
// user or configuration errors, 2 on environment errors.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var envE environmentError
		if errors.As(err, &envE) {
			return 2
		}
		return 1
	}
	return 0
}

// app holds the wired subsystem handles for one command invocation.
type app struct {
	cfg     *config.Config
	store   store.Store
	plans   *plan.Library
	engine  *plan.Engine
	monitor *convoy.ResourceMonitor
	convoys *convoy.Executor
	router  *routing.Router
	bus     *signal.Bus
	graph   *graph.Graph
	captain *captain.Captain

	logClose func()
}

// newApp resolves the workspace, loads configuration, and wires every
// subsystem. Callers must Close the returned app.
func newApp() (*app, error) {
	workspace := paths.ResolveSquadDir(dirFlag)
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, envErr(fmt.Errorf("create workspace: %w", err))
	}

	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}

	logClose, err := log.Init(filepath.Join(workspace, "debug.log"), 256)
	if err != nil {
		return nil, envErr(fmt.Errorf("open debug log: %w", err))
	}
	log.SetEnabled(debugFlag || cfg.Debug || os.Getenv("SQUAD_DEBUG") != "")

	a := &app{cfg: cfg, logClose: logClose}

	hookMgr := hooks.NewManager(cfg.HooksDir())
	switch cfg.Backend {
	case config.BackendSQLite:
		a.store, err = store.NewSQLiteStore(cfg.StorePath(), hookMgr)
	default:
		a.store, err = store.NewJSONStore(cfg.StorePath(), hookMgr)
	}
	if err != nil {
		return nil, envErr(fmt.Errorf("open %s store: %w", cfg.Backend, err))
	}

	a.graph, err = graph.Open(filepath.Join(workspace, "graph"))
	if err != nil {
		a.close()
		return nil, envErr(fmt.Errorf("open graph: %w", err))
	}
	a.store.SetSyncHook(a.graph.SyncWorkItem)
	a.store.SetDeleteHook(a.graph.RemoveWorkItem)

	a.plans, err = plan.NewLibrary(cfg.Plans.SystemDir, cfg.WorkspacePlanDir())
	if err != nil {
		a.close()
		return nil, fmt.Errorf("load plans: %w", err)
	}
	a.engine = plan.NewEngine(a.plans, a.store)

	a.monitor = convoy.NewResourceMonitor(cfg.SampleInterval())
	a.convoys, err = convoy.NewExecutor(workspace, a.store, a.monitor)
	if err != nil {
		a.close()
		return nil, envErr(fmt.Errorf("open convoy store: %w", err))
	}

	a.router, err = routing.NewRouter(filepath.Join(workspace, "events"), nil, cfg.HealthConfig())
	if err != nil {
		a.close()
		return nil, envErr(fmt.Errorf("open routing log: %w", err))
	}

	a.bus, err = signal.NewBus(filepath.Join(workspace, "signal"))
	if err != nil {
		a.close()
		return nil, envErr(fmt.Errorf("open signal bus: %w", err))
	}

	a.captain = captain.New(a.store, a.plans, a.engine, a.convoys, a.router, a.bus, a.graph, nil)
	return a, nil
}

func (a *app) close() {
	if a.router != nil {
		_ = a.router.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logClose != nil {
		a.logClose()
	}
}
