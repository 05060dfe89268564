package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/voxhub/voxhub/internal/cache"
	"github.com/voxhub/voxhub/internal/config"
	"github.com/voxhub/voxhub/internal/logging"
	"github.com/voxhub/voxhub/internal/provider/mlx"
	"github.com/voxhub/voxhub/internal/version"
)

// errVerifyFailed 使 verify 在存在损坏条目时以非零状态退出。
var errVerifyFailed = errors.New("one or more cache entries failed verification")

type globalFlags struct {
	configPath string
	storage    string
	jsonOutput bool
	verbose    bool
}

// newRootCommand 构建命令树。Manager 在 PersistentPreRunE 中按配置创建。
func newRootCommand() *cobra.Command {
	var (
		flags globalFlags
		mgr   *cache.Manager
		cfg   *config.Config
	)

	cmd := &cobra.Command{
		Use:     "voxhub-cache",
		Short:   "Inspect and maintain the voxhub model cache",
		Version: version.Full(),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			var err error
			cfg, err = loadConfig(flags)
			if err != nil {
				return err
			}
			logger := logging.Discard()
			if flags.verbose {
				logger = logrus.New()
				logger.SetOutput(cmd.ErrOrStderr())
				logger.SetLevel(logrus.DebugLevel)
			}
			mgr, err = cache.NewManager(cfg.Global.StoragePath, cache.Configuration{
				MaxCacheSizeBytes:  cfg.Global.MaxCacheSize.Int64(),
				MaxAge:             cfg.Global.MaxCacheAge.DurationValue(),
				CompressionEnabled: cfg.Global.CompressionEnabled,
			}, cache.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("open cache: %w", err)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (default $"+config.EnvConfigPath+")")
	cmd.PersistentFlags().StringVar(&flags.storage, "storage", "", "override the storage path from the config")
	cmd.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log cache operations to stderr")

	cmd.AddCommand(statusCmd(&mgr, &cfg, &flags))
	cmd.AddCommand(cleanCmd(&mgr, &flags))
	cmd.AddCommand(verifyCmd(&mgr, &flags))
	cmd.AddCommand(optimizeCmd(&mgr, &flags))
	return cmd
}

// loadConfig 优先使用 --config，其次 VOXHUB_CONFIG，都没有时只使用默认值。
func loadConfig(flags globalFlags) (*config.Config, error) {
	path := flags.configPath
	if path == "" {
		path = os.Getenv(config.EnvConfigPath)
	}
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if flags.storage != "" {
		cfg.Global.StoragePath = flags.storage
	}
	return cfg, nil
}

type statusPayload struct {
	Root          string          `json:"root"`
	SizeBytes     int64           `json:"size_bytes"`
	MaxSizeBytes  int64           `json:"max_size_bytes"`
	MaxAgeSeconds int64           `json:"max_age_seconds"`
	Entries       []cache.Entry   `json:"entries"`
	MLXModels     []mlx.Installed `json:"mlx_models"`
}

func statusCmd(mgr **cache.Manager, cfg **config.Config, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cache size, limits and entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := *mgr
			conf := m.Configuration()
			installed, err := mlx.ListInstalled((*cfg).Global.StoragePath)
			if err != nil {
				return fmt.Errorf("list mlx models: %w", err)
			}
			payload := statusPayload{
				Root:          m.Root(),
				SizeBytes:     m.CurrentSizeBytes(),
				MaxSizeBytes:  conf.MaxCacheSizeBytes,
				MaxAgeSeconds: int64(conf.MaxAge / time.Second),
				Entries:       m.Entries(),
				MLXModels:     installed,
			}
			if flags.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), payload)
			}
			return writeStatus(cmd.OutOrStdout(), payload)
		},
	}
}

func writeStatus(out io.Writer, p statusPayload) error {
	fmt.Fprintf(out, "Cache root: %s\n", p.Root)
	fmt.Fprintf(out, "Size:       %s / %s (%d entries)\n",
		humanize.IBytes(uint64(p.SizeBytes)), humanize.IBytes(uint64(p.MaxSizeBytes)), len(p.Entries))
	fmt.Fprintf(out, "Max age:    %s\n", time.Duration(p.MaxAgeSeconds)*time.Second)

	if len(p.Entries) > 0 {
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "MODEL\tSIZE\tCACHED\tLAST ACCESSED")
		for _, e := range p.Entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ModelName, humanize.IBytes(uint64(e.SizeBytes)),
				humanize.Time(e.CachedAt), humanize.Time(e.LastAccessedAt))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	if len(p.MLXModels) > 0 {
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "MLX MODEL\tSIZE\tINSTALLED")
		for _, m := range p.MLXModels {
			fmt.Fprintf(w, "%s\t%s\t%s\n", m.Model, humanize.IBytes(uint64(m.SizeBytes)), humanize.Time(m.InstalledAt))
		}
		return w.Flush()
	}
	return nil
}

func cleanCmd(mgr **cache.Manager, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove every cached artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := (*mgr).Clean(cmd.Context())
			freed := totalSize(removed)
			if flags.jsonOutput {
				if jerr := writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"removed":     names(removed),
					"freed_bytes": freed,
				}); jerr != nil {
					return jerr
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries, freed %s\n", len(removed), humanize.IBytes(uint64(freed)))
			}
			return err
		},
	}
}

type verifyResult struct {
	Model   string `json:"model"`
	Valid   bool   `json:"valid"`
	Removed bool   `json:"removed,omitempty"`
	Error   string `json:"error,omitempty"`
}

func verifyCmd(mgr **cache.Manager, flags *globalFlags) *cobra.Command {
	var removeInvalid bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute checksums of every cached artifact",
		Long:  "Recompute the sha256 of every cached artifact and compare it with the index. Exits with status 1 when any entry fails.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m := *mgr
			var results []verifyResult
			failed := 0
			for _, e := range m.Entries() {
				res := verifyResult{Model: e.ModelName}
				ok, err := m.Validate(ctx, e.ModelName)
				if err != nil {
					res.Error = err.Error()
				}
				res.Valid = ok && err == nil
				if !res.Valid {
					failed++
					if removeInvalid {
						if rerr := m.Remove(ctx, e.ModelName); rerr != nil {
							res.Error = rerr.Error()
						} else {
							res.Removed = true
						}
					}
				}
				results = append(results, res)
			}

			out := cmd.OutOrStdout()
			if flags.jsonOutput {
				if err := writeJSON(out, results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					state := "ok"
					if !r.Valid {
						state = "FAILED"
						if r.Removed {
							state = "FAILED (removed)"
						}
					}
					fmt.Fprintf(out, "%-40s %s\n", r.Model, state)
				}
				fmt.Fprintf(out, "%d checked, %d failed\n", len(results), failed)
			}
			if failed > 0 {
				return errVerifyFailed
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&removeInvalid, "remove-invalid", false, "remove entries that fail verification")
	return cmd
}

func optimizeCmd(mgr **cache.Manager, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "optimize",
		Short: "Evict expired and least recently used entries, then remove orphaned files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m := *mgr
			evicted, evictErr := m.EnforceLimits(ctx)
			orphans, orphanErr := m.RemoveOrphans(ctx)

			out := cmd.OutOrStdout()
			if flags.jsonOutput {
				if err := writeJSON(out, map[string]interface{}{
					"evicted":     names(evicted),
					"freed_bytes": totalSize(evicted),
					"orphans":     orphans,
					"size_bytes":  m.CurrentSizeBytes(),
				}); err != nil {
					return err
				}
			} else {
				for _, e := range evicted {
					fmt.Fprintf(out, "evicted %s (%s)\n", e.ModelName, humanize.IBytes(uint64(e.SizeBytes)))
				}
				for _, p := range orphans {
					fmt.Fprintf(out, "removed orphan %s\n", p)
				}
				fmt.Fprintf(out, "Evicted %d entries, removed %d orphans, cache now %s\n",
					len(evicted), len(orphans), humanize.IBytes(uint64(m.CurrentSizeBytes())))
			}
			return errors.Join(evictErr, orphanErr)
		},
	}
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func names(entries []cache.Entry) []string {
	result := make([]string, 0, len(entries))
	for _, e := range entries {
		result = append(result, e.ModelName)
	}
	return result
}

func totalSize(entries []cache.Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}
	return total
}
