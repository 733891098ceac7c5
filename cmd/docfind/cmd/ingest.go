package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/namjunsu/docfind/internal/ingest"
	"github.com/namjunsu/docfind/internal/store"
)

func newIngestCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "ingest [path...]",
		Short: "Ingest extracted document texts into the metadata store",
		Long: `Ingest reads plain-text bodies from the extracted directory (sibling
.txt files named after their PDFs), records metadata and code occurrences,
and upserts documents keyed by path. Without arguments the whole extracted
directory is swept. Run 'docfind reindex' afterwards to rebuild the indexes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			s, err := store.Open(filepath.Join(cfg.Paths.DataDir, "metadata.db"))
			if err != nil {
				return err
			}
			defer s.Close()

			ing := ingest.New(s, cfg.Paths.DocumentsRoot, cfg.Paths.ExtractedDir)
			ctx := cmd.Context()

			if len(args) > 0 {
				for _, path := range args {
					result, err := ing.IngestFile(ctx, path)
					if err != nil {
						return err
					}
					printResult(cmd, result)
				}
				return nil
			}

			results, err := ing.IngestDir(ctx)
			if err != nil {
				return err
			}
			for _, result := range results {
				printResult(cmd, result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d documents ingested\n", len(results))

			if watch {
				watcher := ingest.NewWatcher(cfg.Paths.ExtractedDir, cfg.Ingest.WatchDebounce,
					func(ctx context.Context, paths []string) {
						for _, p := range paths {
							name := filepath.Base(p)
							pdf := name[:len(name)-len(filepath.Ext(name))] + ".pdf"
							if _, err := ing.IngestFile(ctx, pdf); err != nil {
								fmt.Fprintf(cmd.ErrOrStderr(), "ingest %s: %v\n", pdf, err)
							}
						}
					})
				fmt.Fprintln(cmd.OutOrStdout(), "watching for new extracted texts (ctrl-c to stop)")
				return watcher.Run(ctx)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Keep watching the extracted directory for changes")
	return cmd
}

func printResult(cmd *cobra.Command, result *ingest.Result) {
	if result.Duplicate {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: duplicate of %s, skipped\n",
			result.Filename, store.FormatDocID(result.DocID))
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", result.Filename, store.FormatDocID(result.DocID))
}
