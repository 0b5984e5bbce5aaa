package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/LJTian/OfferHub/internal/app"
	"github.com/LJTian/OfferHub/internal/config"
)

var flagKeep int

var rootCmd = &cobra.Command{
	Use:   "collect",
	Short: "One-shot OfferHub maintenance commands",
	Long:  "collect runs a single processing cycle or a maintenance task and exits; useful for cron jobs outside the api server.",
	// 不带子命令时执行一轮采集
	RunE:         runCycle,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one fetch, publish, monetize and notify cycle",
	RunE:  runCycle,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete all but the newest items",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			keep := flagKeep
			if keep <= 0 {
				keep = a.Config.RetainItems
			}
			n, err := a.Store.Cleanup(ctx, keep)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d items, kept newest %d\n", n, keep)
			return nil
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired monetized links from the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			n, err := a.Cache.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d expired entries, %d left\n", n, a.Cache.Stats().Total)
			return nil
		})
	},
}

var lookupCmd = &cobra.Command{
	Use:   "lookup <item_hash>",
	Short: "Print a stored item as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			it, err := a.Store.GetByHash(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(it)
		})
	},
}

func init() {
	cleanupCmd.Flags().IntVar(&flagKeep, "keep", 0, "number of newest items to keep (default RETAIN_ITEMS)")
	rootCmd.AddCommand(runCmd, cleanupCmd, sweepCmd, lookupCmd)
}

func runCycle(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		res, err := a.Pipeline.Run(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	})
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(ctx); err != nil {
			log.Printf("close: %v", err)
		}
	}()
	return fn(ctx, a)
}

// 一个仅执行一次任务的命令行入口：适合手动触发采集
func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
