package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qontrol-dev/qontrol/internal/config"
	"github.com/qontrol-dev/qontrol/internal/orchestrator"
	"github.com/qontrol-dev/qontrol/internal/pilot"
	"github.com/qontrol-dev/qontrol/internal/pilot/braket"
	"github.com/qontrol-dev/qontrol/internal/pilot/ibm"
	"github.com/qontrol-dev/qontrol/internal/pilot/ionq"
	"github.com/qontrol-dev/qontrol/internal/pilot/rigetti"
	"github.com/qontrol-dev/qontrol/internal/server"
	"github.com/qontrol-dev/qontrol/internal/store"
	"github.com/qontrol-dev/qontrol/internal/transpiler"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "seed":
		seed(os.Args[2:])
	case "version":
		fmt.Println("qontrol", version)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  qontrol serve [--config <file.yaml>]")
	fmt.Fprintln(os.Stderr, "  qontrol seed  [--config <file.yaml>]")
	fmt.Fprintln(os.Stderr, "  qontrol version")
}

func loadSettings(args []string) config.Settings {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a file path")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag %q\n", args[i])
			usage()
			os.Exit(1)
		}
	}
	settings, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return settings
}

func setupLogging() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("QONTROL_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

func buildRegistry(settings config.Settings) *pilot.Registry {
	reg := pilot.NewRegistry()
	reg.Register(ibm.New(settings.ProviderBaseURLs["ibm"], settings.Experimental))
	reg.Register(braket.New())
	reg.Register(ionq.New(settings.ProviderBaseURLs["ionq"]))
	reg.Register(rigetti.New(settings.ProviderBaseURLs["rigetti"]))
	reg.SetDefault(settings.DefaultProvider)
	return reg
}

// seedStore reconciles providers and devices from embedded seeds and
// installs the self-test fixtures.
func seedStore(ctx context.Context, st *store.Store, reg *pilot.Registry, settings config.Settings) error {
	if err := pilot.SeedAll(ctx, st, reg); err != nil {
		return err
	}
	return pilot.EnsureDefaultFixtures(ctx, st, settings.DefaultProvider)
}

func serve(args []string) {
	setupLogging()
	settings := loadSettings(args)

	st, err := store.Open(settings.DBPath)
	if err != nil {
		logrus.WithError(err).Fatal("opening database")
	}
	defer st.Close()

	reg := buildRegistry(settings)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := seedStore(ctx, st, reg, settings); err != nil {
		cancel()
		logrus.WithError(err).Fatal("seeding database")
	}
	cancel()

	graph := transpiler.NewGraph()
	transpiler.RegisterBuiltins(graph, settings.Experimental)

	eng := orchestrator.New(st, reg, graph, orchestrator.Options{
		Async:      settings.Async,
		Workers:    settings.Workers,
		RunTimeout: settings.RunTimeout,
	})
	eng.Start()

	logrus.WithFields(logrus.Fields{
		"async":        settings.Async,
		"workers":      settings.Workers,
		"experimental": settings.Experimental,
		"db":           settings.DBPath,
	}).Info("starting")

	srv := server.New(server.Config{Addr: settings.Addr}, st, eng, reg)
	if err := srv.ListenAndServe(); err != nil {
		logrus.WithError(err).Fatal("server failed")
	}
}

func seed(args []string) {
	setupLogging()
	settings := loadSettings(args)

	st, err := store.Open(settings.DBPath)
	if err != nil {
		logrus.WithError(err).Fatal("opening database")
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := seedStore(ctx, st, buildRegistry(settings), settings); err != nil {
		logrus.WithError(err).Fatal("seeding database")
	}
	logrus.WithField("db", settings.DBPath).Info("seeded")
}
