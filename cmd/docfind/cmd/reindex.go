package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/namjunsu/docfind/internal/cache"
	"github.com/namjunsu/docfind/internal/embed"
	dferrors "github.com/namjunsu/docfind/internal/errors"
	"github.com/namjunsu/docfind/internal/index"
	"github.com/namjunsu/docfind/internal/service"
	"github.com/namjunsu/docfind/internal/store"
)

func newReindexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the lexical and vector indexes atomically",
		Long: `Reindex rebuilds both indexes from the metadata store under the
reindex lock, swaps the artifacts atomically, bumps the index version and
invalidates the previous cache namespace. Concurrent attempts serialize;
a held lock fails fast with "reindex in progress".`,
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

			memCache := cache.NewMemoryCache(cfg.Cache.MaxSize,
				time.Duration(cfg.Cache.TTLSeconds)*time.Second, cache.TTLMode(cfg.Cache.TTLMode))
			diskCache, err := cache.OpenPersistent(cache.PersistentConfig{
				Path:        filepath.Join(cfg.Paths.DataDir, "cache", "query_cache.db"),
				MaxDBMB:     cfg.Cache.MaxDBMB,
				CleanupProb: cfg.Cache.CleanupProb,
				Compress:    true,
			})
			if err != nil {
				return err
			}
			defer diskCache.Close()

			embedder := embed.NewStaticEmbedder(cfg.Ingest.EmbedDimensions)

			coordinator := index.NewCoordinator(index.CoordinatorConfig{
				Store:         s,
				Embedder:      embedder,
				DataDir:       cfg.Paths.DataDir,
				ConfigHash:    cfg.Hash(),
				MinTextLength: cfg.Search.MinTextLength,
				Lexical:       index.LexicalConfig{K1: cfg.Search.BM25K1, B: cfg.Search.BM25B},
				LockTimeout:   cfg.LockTimeout(),
				PollInterval:  cfg.PollInterval(),
				Invalidator:   service.CacheInvalidator{Mem: memCache, Disk: diskCache},
			})

			version, err := coordinator.FullReindex(cmd.Context())
			if err != nil {
				var dfErr *dferrors.Error
				if errors.As(err, &dfErr) && dfErr.Code == dferrors.ErrCodeReindexBusy {
					return fmt.Errorf("reindex already in progress, try again later")
				}
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "reindex complete, version %s\n", version)
			return nil
		},
	}
	return cmd
}
