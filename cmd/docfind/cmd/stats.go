package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/namjunsu/docfind/internal/llm"
	"github.com/namjunsu/docfind/internal/service"
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print corpus, index and cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client := llm.NewOpenAIClient(llm.Config{
				Endpoint: cfg.LLM.Endpoint,
				Model:    cfg.LLM.Model,
				Timeout:  time.Duration(cfg.LLM.TimeoutSec) * time.Second,
			})

			svc, err := service.Open(cfg, client)
			if err != nil {
				return err
			}
			defer svc.Close()

			metrics, err := svc.Metrics(cmd.Context())
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(metrics, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	return cmd
}
