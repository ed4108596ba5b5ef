package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"offsync/internal/config"
	"offsync/internal/syncstore"
)

func newSyncCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run the family sync service",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve GET/PUT of family documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openSyncStore(e.cfg.Sync)
			if err != nil {
				return err
			}
			defer store.Close()

			svc := syncstore.NewService(store, e.cfg.Sync.MaxBodyBytes, e.log)
			e.log.Info("sync store ready", "backend", e.cfg.Sync.Backend)
			return serve(cmd.Context(), e.log, "sync", fmt.Sprintf(":%d", e.cfg.Sync.Port), svc.Handler())
		},
	})
	return cmd
}

func openSyncStore(c config.SyncConfig) (syncstore.Store, error) {
	switch c.Backend {
	case config.BackendRedis:
		pool := syncstore.NewRedisPool(c.Redis.Addr, c.Redis.MaxIdle, c.Redis.MaxActive)
		return syncstore.NewRedisStore(pool, c.Redis.Prefix), nil
	case config.BackendMemory:
		return syncstore.NewMemoryStore(), nil
	default:
		return syncstore.OpenLevelDB(c.LevelDB.Path)
	}
}
