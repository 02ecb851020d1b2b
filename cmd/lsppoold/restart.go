package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"lsppool/internal/common/fsutil"
	"lsppool/pkg/types"
)

func newRestartCmd(rf *rootFlags) *cobra.Command {
	var req types.RestartRequest
	cmd := &cobra.Command{
		Use:     "restart",
		Short:   "Restart the language servers of one project on a running daemon",
		Example: "  lsppoold restart --project webapp --language typescript --workspace .",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.load()
			if err != nil {
				return err
			}
			if req.Workspace != "" {
				if req.Workspace, err = fsutil.Resolve("", req.Workspace); err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			resp, err := postRestart(ctx, baseURL(cfg.Addr), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retired %d instance(s) of %s/%s\n", resp.Retired, req.Project, req.Language)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Project, "project", "", "Project identifier")
	cmd.Flags().StringVar(&req.Language, "language", "", "Server language")
	cmd.Flags().StringVar(&req.Workspace, "workspace", "", "Workspace directory of the project")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("language")
	return cmd
}

func postRestart(ctx context.Context, base string, body types.RestartRequest) (types.RestartResponse, error) {
	var out types.RestartResponse
	buf, err := json.Marshal(body)
	if err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/restart", bytes.NewReader(buf))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, err
	}
	if resp.StatusCode != http.StatusOK {
		var e types.ErrorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return out, fmt.Errorf("restart: %s: %s", resp.Status, e.Error)
		}
		return out, fmt.Errorf("restart: %s", resp.Status)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("restart: %w", err)
	}
	return out, nil
}
