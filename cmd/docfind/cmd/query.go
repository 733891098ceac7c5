package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/namjunsu/docfind/internal/llm"
	"github.com/namjunsu/docfind/internal/service"
)

func newQueryCmd() *cobra.Command {
	var topK int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Answer a question over the indexed corpus",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client := llm.NewOpenAIClient(llm.Config{
				Endpoint:          cfg.LLM.Endpoint,
				Model:             cfg.LLM.Model,
				APIKey:            cfg.LLM.APIKey,
				MaxContextTokens:  cfg.LLM.MaxContextTokens,
				MaxResponseTokens: cfg.LLM.MaxResponseTokens,
				Timeout:           time.Duration(cfg.LLM.TimeoutSec) * time.Second,
			})

			svc, err := service.Open(cfg, client)
			if err != nil {
				return err
			}
			defer svc.Close()

			resp, err := svc.Query(cmd.Context(), strings.Join(args, " "), topK)
			if err != nil {
				return err
			}

			if asJSON {
				out, err := json.MarshalIndent(resp, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), resp.Answer)
			if len(resp.SourcesCited) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "\n출처: %s\n", strings.Join(resp.SourcesCited, ", "))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "(mode=%s confidence=%.2f hits=%d cache=%v %dms)\n",
				resp.Mode, resp.Confidence, resp.Metrics.Hits,
				resp.Metrics.CacheHit, resp.Metrics.DurationMS)
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of documents to retrieve (0 = config default)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full typed response as JSON")
	return cmd
}
