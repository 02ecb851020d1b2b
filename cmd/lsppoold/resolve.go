package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"lsppool/internal/common/fsutil"
	"lsppool/internal/imports"
	"lsppool/internal/resolver"
)

func newResolveCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "resolve FILE...",
		Short:   "Show how the imports of files resolve to local paths",
		Example: "  lsppoold resolve src/main.ts",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.load()
			if err != nil {
				return err
			}
			res := resolver.New(cfg.ResolverOptions())
			ext := imports.Default()
			out := cmd.OutOrStdout()
			for _, arg := range args {
				path, err := fsutil.Resolve("", arg)
				if err != nil {
					return err
				}
				if !ext.Supports(path) {
					fmt.Fprintf(out, "%s (no import extractor)\n", path)
					continue
				}
				content, err := fsutil.ReadFileLimit(path, cfg.Predictive.MaxFileBytes)
				if err != nil {
					return err
				}
				raws := ext.ExtractImportPaths(path, content)
				local := res.ResolveAll(path, raws)
				fmt.Fprintf(out, "%s (%d imports, %d local)\n", path, len(raws), len(local))
				for _, raw := range raws {
					if p, ok := res.Resolve(path, raw); ok {
						fmt.Fprintf(out, "  %s -> %s\n", raw, p)
					} else {
						fmt.Fprintf(out, "  %s (unresolved)\n", raw)
					}
				}
			}
			return nil
		},
	}
}
