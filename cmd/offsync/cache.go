package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.trai.ch/zerr"

	"offsync/internal/cachemgr"
	"offsync/internal/logger"
)

func newCacheCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage and serve the versioned asset cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Install and activate the configured generation, then proxy requests",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, _ []string) error { return runCacheServe(cmd.Context(), e) },
		},
		&cobra.Command{
			Use:   "install",
			Short: "Precache the asset manifest under the configured generation",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withManager(e, func(m *cachemgr.Manager, _ *cachemgr.Storage) error {
					return m.Install(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:   "activate",
			Short: "Delete every generation but the configured one",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withManager(e, func(m *cachemgr.Manager, _ *cachemgr.Storage) error {
					return m.Activate(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:   "generations",
			Short: "List stored generations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withManager(e, func(m *cachemgr.Manager, st *cachemgr.Storage) error {
					_, serving := m.State()
					for _, g := range st.Generations() {
						mark := " "
						if g == serving {
							mark = "*"
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%s %s\t%d entries\n", mark, g, st.EntryCount(g))
					}
					fmt.Fprintf(cmd.OutOrStdout(), "disk: %s\n", humanize.IBytes(uint64(st.DiskSize())))
					return nil
				})
			},
		},
	)
	return cmd
}

func withManager(e *env, fn func(*cachemgr.Manager, *cachemgr.Storage) error) error {
	c := e.cfg.Cache
	if c.OriginURL == nil {
		return zerr.New("cache.origin is not configured")
	}
	st, err := cachemgr.OpenStorage(c.Storage.Dir, cachemgr.StorageOptions{
		RAMMax:  c.RAMMaxBytes,
		DiskMax: c.DiskMax,
		Logger:  e.log,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	m, err := cachemgr.New(cachemgr.Config{
		Generation:  c.Generation,
		Origin:      c.OriginURL,
		Manifest:    c.Manifest.Paths,
		Sitemaps:    c.Manifest.Sitemaps,
		AllowList:   c.AllowList,
		Concurrency: c.Upstream.Concurrency,
		Coalesce:    c.Coalesce,
	}, st, &http.Client{Timeout: c.TimeoutDur}, e.log)
	if err != nil {
		return err
	}
	return fn(m, st)
}

func runCacheServe(ctx context.Context, e *env) error {
	return withManager(e, func(m *cachemgr.Manager, _ *cachemgr.Storage) error {
		if err := m.Install(ctx); err != nil {
			// A failed install leaves the previous generation serving.
			if state, _ := m.State(); state != cachemgr.StateReady {
				return err
			}
			logger.Error(ctx, e.log, err)
		} else if err := m.Activate(ctx); err != nil {
			return err
		}

		state, serving := m.State()
		e.log.Info("cache ready", "state", state.String(), "serving", serving)

		if every := e.cfg.Logging.StatsEveryDur; every > 0 {
			go m.LogStats(ctx, every)
		}
		return serve(ctx, e.log, "cache proxy", fmt.Sprintf(":%d", e.cfg.Cache.Port), m.Handler())
	})
}
