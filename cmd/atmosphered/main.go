// Command atmosphered runs one mesh node: it loads (or generates) this
// host's identity and node configuration, assembles a pkg/node.Node, and
// keeps it running until asked to stop. It has no CLI surface beyond
// startup flags -- joining or founding a mesh, inviting peers, and
// registering capabilities are done by whatever program embeds
// pkg/node, not by this process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/llama-farm/atmosphere/internal/config"
	"github.com/llama-farm/atmosphere/internal/identity"
	"github.com/llama-farm/atmosphere/internal/meshkey"
	"github.com/llama-farm/atmosphere/pkg/node"
)

// version is set via -ldflags at build time.
var version = "dev"

func main() {
	configPath := flag.String("config", "node.yaml", "path to node config")
	flag.Parse()

	if len(flag.Args()) > 0 && flag.Arg(0) == "version" {
		fmt.Printf("atmosphered %s\n", version)
		fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	node.Version = version

	cfg, err := config.LoadNodeConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := config.ValidateNodeConfig(cfg); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	if err := config.Archive(*configPath); err != nil {
		slog.Warn("failed to archive config", "error", err)
	}

	id, err := identity.LoadOrGenerate(cfg.Identity.KeyFile, cfg.Identity.Name)
	if err != nil {
		slog.Error("failed to load or generate identity", "error", err)
		os.Exit(1)
	}

	n, err := node.New(*cfg, id)
	if err != nil {
		slog.Error("failed to assemble node", "error", err)
		os.Exit(1)
	}

	if cfg.Mesh.MeshFile != "" {
		if mesh, err := meshkey.LoadMesh(cfg.Mesh.MeshFile); err == nil {
			n.SetMesh(mesh)
		} else if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to load mesh identity", "error", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		slog.Error("failed to start node", "error", err)
		os.Exit(1)
	}
	slog.Info("atmosphered: node started", "node_id", id.NodeID())

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	slog.Info("atmosphered: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := n.Shutdown(shutdownCtx); err != nil {
		slog.Error("node shutdown reported an error", "error", err)
		os.Exit(1)
	}
}
