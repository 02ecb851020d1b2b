package main

import (
	"fmt"
	"io"
	"os/exec"
	"sort"

	"github.com/spf13/cobra"

	"lsppool/internal/config"
)

func newCheckCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the configuration and that every server command is on PATH",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.load()
			if err != nil {
				return err
			}
			missing := checkServers(cmd.OutOrStdout(), cfg)
			if missing > 0 {
				return fmt.Errorf("%d server command(s) not found", missing)
			}
			return nil
		},
	}
}

// checkServers reports each configured server and returns how many are missing.
func checkServers(w io.Writer, cfg config.Config) int {
	names := make([]string, 0, len(cfg.Servers))
	for name := range cfg.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	missing := 0
	for _, name := range names {
		bin := cfg.Servers[name].Command[0]
		path, err := exec.LookPath(bin)
		if err != nil {
			missing++
			fmt.Fprintf(w, "%-12s %s: not found in PATH\n", name, bin)
			continue
		}
		fmt.Fprintf(w, "%-12s %s\n", name, path)
	}
	return missing
}
