// Command bpcached runs a single bpcache node: it loads a YAML config file,
// starts the custody/DACS cache core, and blocks until signaled to stop.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log/level"

	"github.com/nasa-bplib/bpcache/config"
	"github.com/nasa-bplib/bpcache/log"
	"github.com/nasa-bplib/bpcache/node"
)

// CLI is bpcached's command-line surface: a config file plus a handful of
// overrides, mirroring the tempo corpus's "-config.file" convention but
// parsed with kong rather than the stdlib flag package.
type CLI struct {
	ConfigFile string `short:"c" required:"" help:"Path to the node's YAML config file."`
	SelfEID    string `help:"Override self-eid from the config file."`
	Verify     bool   `help:"Parse and validate the config, then exit."`
}

func main() {
	var cli CLI
	kong.Parse(&cli, kong.Description("bpcached: a BPv7 custody/DACS cache node"))

	cfg, err := config.Load(cli.ConfigFile)
	if err != nil {
		level.Error(log.Logger).Log("msg", "failed loading config", "err", err)
		os.Exit(1)
	}
	if cli.SelfEID != "" {
		cfg.SelfEID = cli.SelfEID
	}

	if cli.Verify {
		level.Info(log.Logger).Log("msg", "config OK", "self_eid", cfg.SelfEID)
		return
	}

	n, err := node.Start(cfg)
	if err != nil {
		level.Error(log.Logger).Log("msg", "failed starting node", "err", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	n.Stop()
}
