package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"lsppool/pkg/types"
)

func newStatsCmd(rf *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print pool statistics from a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			st, raw, err := fetchStats(ctx, baseURL(cfg.Addr))
			if err != nil {
				return err
			}
			if asJSON {
				_, err = cmd.OutOrStdout().Write(raw)
				return err
			}
			return printStats(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON response")
	return cmd
}

// baseURL turns a listen address into a client URL.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func fetchStats(ctx context.Context, base string) (types.StatsResponse, []byte, error) {
	var st types.StatsResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/stats", nil)
	if err != nil {
		return st, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return st, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return st, raw, fmt.Errorf("stats: %s", resp.Status)
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, raw, fmt.Errorf("stats: %w", err)
	}
	return st, raw, nil
}

func printStats(w io.Writer, st types.StatsResponse) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROJECT\tLANGUAGE\tINSTANCES\tLEASED\tIDLE\tSTARTING\tRESTARTING\tCRASHES\tQUEUE\tCIRCUIT")
	for _, k := range st.Keys {
		circuit := "closed"
		if k.CircuitOpen {
			circuit = "open until " + time.Unix(k.CircuitReopensAt, 0).Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n", k.Project, k.Language,
			k.Instances, k.Leased, k.Idle, k.Starting, k.Restarting, k.CrashCount, k.QueueLen, circuit)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if p := st.Prefetch; p != nil {
		fmt.Fprintf(w, "\nprefetch: enabled=%t in_flight=%d warmed=%d\n", p.Enabled, p.InFlight, p.Warmed)
	}
	fmt.Fprintf(w, "uptime: %s\n", time.Duration(st.UptimeSeconds)*time.Second)
	return nil
}
