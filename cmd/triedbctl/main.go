package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/cuemby/triedb/pkg/client"
	"github.com/cuemby/triedb/pkg/config"
	"github.com/cuemby/triedb/pkg/log"
	"github.com/cuemby/triedb/pkg/mpt"
	"github.com/cuemby/triedb/pkg/mpt/codec"
	"github.com/cuemby/triedb/pkg/roview"
	"github.com/cuemby/triedb/pkg/writer"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "triedbctl",
	Short:   "Inspect and drive a trie store pool from the command line",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("source", "", "pool backing file path")
	rootCmd.PersistentFlags().Uint8("chunk-log2", 16, "chunk size exponent (chunk size = 1 << chunk-log2 bytes)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = rootCmd.MarkPersistentFlagRequired("source")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(upsertCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(verifyCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	log.Init(log.Config{Level: log.Level(level)})
}

func sourceConfig(cmd *cobra.Command) (*config.Config, error) {
	source, _ := cmd.Flags().GetString("source")
	chunkLog2, _ := cmd.Flags().GetUint8("chunk-log2")
	return config.New(
		config.WithSources(source),
		config.WithChunkCapacityLog2(chunkLog2),
	)
}

func parseKey(s string) (mpt.Nibbles, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("key must be hex-encoded: %w", err)
	}
	return codec.UnpackNibbles(raw, len(raw)*2), nil
}

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open the pool read-only and report whether it opened",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := sourceConfig(cmd)
		if err != nil {
			return err
		}
		view, err := roview.Open(cfg)
		if err != nil {
			return err
		}
		defer view.Close()

		fmt.Println("pool opened successfully")
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <hex-key> <version>",
	Short: "Look up a key at a version and print its value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := sourceConfig(cmd)
		if err != nil {
			return err
		}
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		var version mpt.Version
		if _, err := fmt.Sscanf(args[1], "%d", &version); err != nil {
			return fmt.Errorf("version must be an integer: %w", err)
		}

		view, err := roview.Open(cfg)
		if err != nil {
			return err
		}
		defer view.Close()

		cursor, err := view.Get(key, version)
		if err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(cursor.Node.Value))
		return nil
	},
}

var upsertCmd = &cobra.Command{
	Use:   "upsert <hex-key> <hex-value> <version>",
	Short: "Write a single key/value pair at a new version",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := sourceConfig(cmd)
		if err != nil {
			return err
		}
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		value, err := hex.DecodeString(args[1])
		if err != nil {
			return fmt.Errorf("value must be hex-encoded: %w", err)
		}
		var version mpt.Version
		if _, err := fmt.Sscanf(args[2], "%d", &version); err != nil {
			return fmt.Errorf("version must be an integer: %w", err)
		}

		cl, err := client.Open(cfg, writer.Config{})
		if err != nil {
			return err
		}
		defer cl.Close()

		update := &mpt.Update{Key: key, Value: value, HasValue: true}
		if err := cl.Upsert([]*mpt.Update{update}, version, mpt.UpsertOptions{}); err != nil {
			return err
		}
		fmt.Printf("committed version %d\n", version)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the pool's current version watermarks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := sourceConfig(cmd)
		if err != nil {
			return err
		}
		view, err := roview.Open(cfg)
		if err != nil {
			return err
		}
		defer view.Close()

		earliest, hasEarliest := view.EarliestVersion()
		latest, hasLatest := view.LatestVersion()
		finalized, hasFinalized := view.LatestFinalizedVersion()

		if !hasEarliest || !hasLatest {
			fmt.Println("no version published yet")
			return nil
		}
		fmt.Printf("earliest retained version: %d\n", earliest)
		fmt.Printf("latest published version:  %d\n", latest)
		if hasFinalized {
			fmt.Printf("latest finalized version:  %d\n", finalized)
		} else {
			fmt.Println("latest finalized version:  none")
		}
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run a bounded consistency walk over the latest version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := sourceConfig(cmd)
		if err != nil {
			return err
		}
		budget, _ := cmd.Flags().GetInt("budget")

		view, err := roview.Open(cfg)
		if err != nil {
			return err
		}
		defer view.Close()

		report, err := view.Verify(budget)
		if err != nil {
			return err
		}
		fmt.Printf("nodes visited: %d, leaves found: %d\n", report.NodesVisited, report.LeavesFound)
		return nil
	},
}

func init() {
	verifyCmd.Flags().Int("budget", 10000, "maximum subtree fan-out concurrency for the walk")
}
