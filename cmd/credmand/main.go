package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/hwtrust/credman/common"
	"github.com/hwtrust/credman/credmanager"
	"github.com/hwtrust/credman/hashtree"
	"github.com/hwtrust/credman/httpserver"
	"github.com/hwtrust/credman/interfaces"
	"github.com/hwtrust/credman/metrics"
	"github.com/hwtrust/credman/protocol"
	"github.com/hwtrust/credman/storage"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Value: "127.0.0.1:8090",
		Usage: "address to listen on for Prometheus metrics (empty to disable)",
	},
	&cli.StringFlag{
		Name:  "lookup-uri",
		Value: "sqlite://credman.db",
		Usage: "credential metadata store: file://<dir>, sqlite://<path> or vault://<host>/<mount>/<path>?token=...",
	},
	&cli.StringFlag{
		Name:  "tree-store-uri",
		Value: "file://hashtree.json",
		Usage: "hash tree snapshot store: file://<path> or s3://<key>:<secret>@<bucket>/<prefix>?region=...",
	},
	&cli.UintFlag{
		Name:  "tree-height",
		Value: 6,
		Usage: "height of the hash tree",
	},
	&cli.UintFlag{
		Name:  "tree-fanout",
		Value: 4,
		Usage: "children per hash tree node",
	},
	&cli.StringFlag{
		Name:  "device-key",
		Value: "",
		Usage: "hex-encoded 32-byte key for the software protocol backend",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: common.PackageName,
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	app := &cli.App{
		Name:   "credmand",
		Usage:  "Serve the hardware-backed low-entropy credential manager API",
		Flags:  flags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	listenAddr := cCtx.String("listen-addr")
	metricsAddr := cCtx.String("metrics-addr")
	lookupURI := cCtx.String("lookup-uri")
	treeStoreURI := cCtx.String("tree-store-uri")
	shape := interfaces.TreeShape{
		Height: uint32(cCtx.Uint("tree-height")),
		Fanout: uint32(cCtx.Uint("tree-fanout")),
	}
	deviceKeyHex := cCtx.String("device-key")
	enablePprof := cCtx.Bool("pprof")
	drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool("log-debug"),
		JSON:    cCtx.Bool("log-json"),
		Service: cCtx.String("log-service"),
		Version: common.Version,
	})

	if cCtx.Bool("log-uid") {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}

	if err := shape.Validate(); err != nil {
		logger.Error("Invalid tree shape", "err", err)
		return err
	}

	if deviceKeyHex == "" {
		logger.Error("device-key is required")
		return errors.New("device-key is required")
	}
	deviceKey, err := hex.DecodeString(deviceKeyHex)
	if err != nil {
		logger.Error("Invalid device-key - must be hex", "err", err)
		return fmt.Errorf("invalid device-key: %v", err)
	}

	diagnostics := metrics.NewDiagnostics(common.PackageName)

	storageFactory := storage.NewFactory(logger, diagnostics)
	lookupTable, err := storageFactory.LookupTableFor(lookupURI)
	if err != nil {
		logger.Error("Failed to create lookup table", "err", err, "uri", lookupURI)
		return err
	}
	treeStore, err := storageFactory.TreeStoreFor(treeStoreURI)
	if err != nil {
		logger.Error("Failed to create tree store", "err", err, "uri", treeStoreURI)
		return err
	}

	tree, err := restoreTree(treeStore, shape, logger)
	if err != nil {
		return err
	}

	protocolImpl, err := protocol.NewSoftwareProtocol(deviceKey, logger)
	if err != nil {
		logger.Error("Failed to create protocol backend", "err", err)
		return err
	}

	manager, err := credmanager.New(credmanager.Config{
		Tree:        tree,
		Protocol:    protocolImpl,
		LookupTable: lookupTable,
		TreeStorage: treeStore,
		Diagnostics: diagnostics,
		Log:         logger,
	})
	if err != nil {
		logger.Error("Failed to create credential manager", "err", err)
		return err
	}

	cfg := &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}

	handler := httpserver.NewHandler(manager, logger)
	metricsSrv := metrics.New(diagnostics, metricsAddr)
	server := httpserver.New(cfg, handler, metricsSrv)
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit

	server.Shutdown()

	// Let any queued disk commits finish before the process exits.
	logger.Info("Flushing pending disk commits")
	manager.Flush()
	logger.Info("Shutdown complete")
	return nil
}

// restoreTree rebuilds the in-memory hash tree mirror from the last stored
// snapshot, or starts empty if no snapshot exists yet.
func restoreTree(treeStore interfaces.HashTreeStorage, shape interfaces.TreeShape, logger *slog.Logger) (*hashtree.Tree, error) {
	snapshot, err := treeStore.Load(context.Background())
	switch {
	case errors.Is(err, interfaces.ErrNoTreeSnapshot):
		logger.Info("No hash tree snapshot found, starting empty", "height", shape.Height, "fanout", shape.Fanout)
		return hashtree.New(shape)
	case err != nil:
		logger.Error("Failed to load hash tree snapshot", "err", err)
		return nil, err
	}

	tree, err := hashtree.NewFromSnapshot(snapshot)
	if err != nil {
		logger.Error("Failed to restore hash tree from snapshot", "err", err)
		return nil, err
	}
	if tree.Shape() != shape {
		logger.Error("Snapshot tree shape does not match configuration",
			"snapshotHeight", tree.Shape().Height, "snapshotFanout", tree.Shape().Fanout)
		return nil, errors.New("stored snapshot shape does not match configured tree shape")
	}
	logger.Info("Restored hash tree from snapshot", "credentials", tree.PopulatedSize())
	return tree, nil
}
