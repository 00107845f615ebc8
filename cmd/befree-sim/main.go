// befree-sim runs a scripted community scenario against a fresh
// orchestrator node and prints the resulting report as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/msrovani/befree/pkg/economy"
	"github.com/msrovani/befree/pkg/observability"
	"github.com/msrovani/befree/pkg/orchestrator"
	"github.com/msrovani/befree/pkg/simulation"
	"github.com/msrovani/befree/pkg/store"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("befree-sim", flag.ContinueOnError)
	fs.SetOutput(stderr)

	scenarioPath := fs.String("scenario", "", "path to a YAML scenario (default: built-in community cycle)")
	storeSpec := fs.String("store", "memory", `state backend: "memory", "sqlite:<path>", "redis:<addr>" or a JSON file path`)
	label := fs.String("label", "befree-sim", "node label")
	reward := fs.String("reward", "", "default publish reward in credits (decimal)")
	autosave := fs.Duration("autosave", 0, "autosave interval, 0 disables")
	printSample := fs.Bool("print-sample", false, "print the built-in scenario as YAML and exit")
	timeout := fs.Duration("timeout", 2*time.Minute, "scenario run timeout")
	tracing := fs.Bool("tracing", false, "enable OpenTelemetry instrumentation")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *printSample {
		doc, err := simulation.SampleScenarioYAML()
		if err != nil {
			fmt.Fprintln(stderr, "render sample:", err)
			return 1
		}
		fmt.Fprint(stdout, doc)
		return 0
	}

	logger := slog.New(slog.NewTextHandler(stderr, nil))
	slog.SetDefault(logger)

	scenario := simulation.SampleScenario()
	if *scenarioPath != "" {
		loaded, err := simulation.LoadScenario(*scenarioPath)
		if err != nil {
			fmt.Fprintln(stderr, "load scenario:", err)
			return 1
		}
		scenario = loaded
	}

	storage, closeStore, err := openStorage(*storeSpec)
	if err != nil {
		fmt.Fprintln(stderr, "open store:", err)
		return 1
	}
	defer closeStore()

	opts := orchestrator.Options{
		Label:            *label,
		Storage:          storage,
		AutosaveInterval: *autosave,
		Logger:           logger.With("component", "orchestrator"),
	}
	if *reward != "" {
		amount, err := economy.ParseAmount(*reward)
		if err != nil {
			fmt.Fprintln(stderr, "parse reward:", err)
			return 1
		}
		opts.DefaultReward = &amount
	}
	if *tracing {
		config := observability.DefaultConfig()
		config.ServiceName = "befree-sim"
		provider, err := observability.New(context.Background(), config)
		if err != nil {
			fmt.Fprintln(stderr, "observability:", err)
			return 1
		}
		defer func() { _ = provider.Shutdown(context.Background()) }()
		opts.Observability = provider
	}

	node, err := orchestrator.New(opts)
	if err != nil {
		fmt.Fprintln(stderr, "create node:", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	runner := simulation.NewRunner(node, logger.With("component", "simulation"))
	report, err := runner.Run(ctx, scenario)
	if stopErr := node.Stop(context.Background()); stopErr != nil {
		logger.Warn("node stop failed", "error", stopErr)
	}
	if err != nil {
		fmt.Fprintln(stderr, "scenario run:", err)
		return 1
	}

	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		fmt.Fprintln(stderr, "encode report:", err)
		return 1
	}
	if report.Stats.Errors > 0 {
		return 1
	}
	return 0
}

// openStorage maps a backend spec to a storage adapter.
func openStorage(spec string) (store.Storage, func(), error) {
	switch {
	case spec == "" || spec == "memory":
		return store.NewMemoryStore(), func() {}, nil
	case strings.HasPrefix(spec, "sqlite:"):
		s, err := store.OpenSQLiteStore(strings.TrimPrefix(spec, "sqlite:"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case strings.HasPrefix(spec, "redis:"):
		s := store.OpenRedisStore(strings.TrimPrefix(spec, "redis:"), "", 0, "")
		return s, func() { _ = s.Close() }, nil
	default:
		return store.NewFileStore(spec), func() {}, nil
	}
}
