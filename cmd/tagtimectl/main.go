// tagtimectl is the control CLI for tagtimed.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tagtime/internal/config"
	"tagtime/internal/status"
)

// Version is set at build time.
var Version = "dev"

type globals struct {
	configPath string
	addr       string
	jsonOut    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "tagtimectl",
		Short:         "Control a running tagtimed",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to config file")
	root.PersistentFlags().StringVar(&g.addr, "addr", "", "status API address (default: status.listen from the config)")
	root.PersistentFlags().BoolVarP(&g.jsonOut, "json", "j", false, "print JSON")

	root.AddCommand(
		statusCmd(g),
		nextCmd(g),
		pendingCmd(g),
		answerCmd(g),
		submitCmd(g),
		historyCmd(g),
		tagsCmd(g),
		graphsCmd(g),
		configCmd(g),
	)
	return root
}

func (g *globals) loadConfig() (*config.Config, string, error) {
	path := g.configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func (g *globals) client() (*status.Client, error) {
	addr := g.addr
	if addr == "" {
		cfg, path, err := g.loadConfig()
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		if !cfg.Status.Enabled {
			return nil, fmt.Errorf("the status API is disabled in %s; enable [status] or pass --addr", path)
		}
		addr = cfg.Status.Listen
	}
	return status.NewClient(addr, nil), nil
}
