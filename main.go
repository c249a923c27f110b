package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/spf13/cobra"

	chatio "github.com/manningwu07/chatlm/IO"
	"github.com/manningwu07/chatlm/discordbot"
	"github.com/manningwu07/chatlm/engine"
	"github.com/manningwu07/chatlm/params"
	"github.com/manningwu07/chatlm/store"
	"github.com/manningwu07/chatlm/trainer"
)

var (
	dbPath   string
	envPath  string
	arch     string
	verbose  bool
	logger   *slog.Logger
	database *store.SQLite
	eng      *engine.Engine
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatlm",
		Short:         "A chat assistant that trains its own small sequence model",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if database != nil {
				return database.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "chatlm.db", "SQLite database holding the corpus and model")
	root.PersistentFlags().StringVar(&envPath, "env", ".env", "Optional .env file with CHATLM_* settings")
	root.PersistentFlags().StringVar(&arch, "arch", "", "Model architecture for new models: transformer or recurrent")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	root.AddCommand(fitCmd(), trainCmd(), chatCmd(), statusCmd(), exportCmd(), importCmd(), discordCmd())
	return root
}

func setup(ctx context.Context) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := params.LoadEnv(envPath); err != nil {
		return err
	}
	mc, tc := params.DefaultModelConfig(), params.DefaultTrainingConfig()
	tc.LogPath = "training_log.csv"
	if err := params.ApplyEnv(&mc, &tc); err != nil {
		return err
	}
	if arch != "" {
		mc.Architecture = params.Architecture(arch)
	}
	seed := tc.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	var err error
	database, err = store.OpenSQLite(dbPath)
	if err != nil {
		return err
	}
	eng = engine.New(
		engine.WithCorpusStore(database),
		engine.WithModelStore(database),
		engine.WithLogger(logger),
		engine.WithRand(rand.New(rand.NewSource(seed))),
		engine.WithModelConfig(mc),
		engine.WithTrainingConfig(tc),
	)
	if ctx == nil {
		ctx = context.Background()
	}
	return eng.Bootstrap(ctx)
}

func fitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fit [corpus.txt|dir ...]",
		Short: "Store corpus files and rebuild the vocabulary and model",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			n := 0
			for _, path := range args {
				files := []string{path}
				if st, err := os.Stat(path); err == nil && st.IsDir() {
					var err error
					if files, err = chatio.FindCorpusFiles(path); err != nil {
						return err
					}
				}
				for _, f := range files {
					lines, err := chatio.ReadCorpusFile(f)
					if err != nil {
						return err
					}
					for _, ln := range lines {
						if err := database.AddTrainingText(ctx, ln); err != nil {
							return err
						}
					}
					n += len(lines)
				}
			}
			if err := eng.Fit(ctx); err != nil {
				return err
			}
			fmt.Printf("Stored %d lines. Vocabulary now has %d tokens.\n", n, eng.Status().VocabSize)
			return nil
		},
	}
}

func trainCmd() *cobra.Command {
	var (
		opts       trainer.Options
		pairsFile  string
		corpusFile string
		difficulty string
		topic      string
		plot       bool
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train on stored conversation pairs, optionally adding pairs from files first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var add []params.Example
			if pairsFile != "" {
				ex, err := chatio.ReadPairsFile(pairsFile)
				if err != nil {
					return err
				}
				add = append(add, ex...)
			}
			if corpusFile != "" {
				lines, err := chatio.ReadCorpusFile(corpusFile)
				if err != nil {
					return err
				}
				for _, ln := range lines {
					add = append(add, chatio.MineAdjacentPairs(ln)...)
				}
			}
			for _, ex := range add {
				if err := database.AddConversation(ctx, ex.Input, ex.Output, ex.Meta); err != nil {
					return err
				}
			}
			if len(add) > 0 {
				fmt.Printf("Added %d pairs.\n", len(add))
			}

			t1 := time.Now()
			rep, err := eng.TrainFromStore(ctx, store.Filter{Difficulty: params.Difficulty(difficulty), Topic: topic}, opts)
			if err != nil {
				return err
			}
			printReport(os.Stdout, rep)
			if plot {
				plotAccuracy(os.Stdout, rep.Epochs)
			}
			fmt.Printf("\nTime taken to train: %s\n", time.Since(t1))
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Epochs, "epochs", 0, "Epochs (0 uses CHATLM_EPOCHS or the default)")
	cmd.Flags().IntVar(&opts.BatchSize, "batch", 0, "Batch size (0 uses the default)")
	cmd.Flags().Float64Var(&opts.ValidationFraction, "val", 0.1, "Fraction of examples held out for validation")
	cmd.Flags().StringVar(&pairsFile, "pairs", "", "Tab-separated input/output file to add before training")
	cmd.Flags().StringVar(&corpusFile, "corpus", "", "Text file to mine sentence pairs from before training")
	cmd.Flags().StringVar(&difficulty, "difficulty", "", "Only train on pairs tagged with this difficulty")
	cmd.Flags().StringVar(&topic, "topic", "", "Only train on pairs with this topic")
	cmd.Flags().BoolVar(&plot, "plot", false, "Plot per-epoch accuracy")
	return cmd
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ChatCLI(cmd.Context(), eng, os.Stdin, os.Stdout)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show model and training counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			printStatus(os.Stdout, eng.Status())
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <bundle.json>",
		Short: "Write the model, vocabulary and metrics to a JSON bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			if err := eng.Export(f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Println("✅ Exported", args[0])
			return nil
		},
	}
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <bundle.json>",
		Short: "Replace the stored model with a JSON bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			if err := eng.Import(cmd.Context(), f); err != nil {
				return err
			}
			fmt.Println("✅ Imported", args[0])
			return nil
		},
	}
}

func discordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discord",
		Short: "Serve the model as a Discord bot (DISCORD_TOKEN, GUILD_ID, TRAIN_INTERVAL_SECONDS)",
		RunE: func(cmd *cobra.Command, args []string) error {
			token := os.Getenv("DISCORD_TOKEN")
			if token == "" {
				return fmt.Errorf("DISCORD_TOKEN is not set")
			}
			cfg := discordbot.Config{
				Token:   token,
				GuildID: snowflake.GetEnv("GUILD_ID"),
				Prefix:  os.Getenv("DISCORD_PREFIX"),
			}
			if v := os.Getenv("TRAIN_INTERVAL_SECONDS"); v != "" {
				secs, err := strconv.Atoi(v)
				if err != nil {
					slog.Error("Failed to parse TRAIN_INTERVAL_SECONDS", slog.Any("err", err))
				} else {
					cfg.TrainEvery = time.Duration(secs) * time.Second
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return discordbot.New(cfg, eng, logger).Run(ctx)
		},
	}
}
