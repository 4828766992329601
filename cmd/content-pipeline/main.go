package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/spf13/cobra"

	"github.com/robsok/content-pipeline/internal/config"
	"github.com/robsok/content-pipeline/internal/pipeline"
	"github.com/robsok/content-pipeline/internal/rundir"
)

var version = "dev"

var (
	dbg        bool
	configPath string
	agent      string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "content-pipeline",
	Short:         "Feed items to approved posts, one stage at a time",
	Long:          "content-pipeline fetches feed items, scores them, mails a review, reads the reply and drafts posts for the chosen items.",
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		setupLog(dbg)

		// init, schema and version work without a config
		switch cmd.Name() {
		case "init", "schema", "version":
			return nil
		}

		path, err := config.ResolveConfigPath(configPath, agent)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg.ApplyAgent(agent)
		setupLog(dbg, cfg.APIKey(), cfg.SMTPPassword(), cfg.IMAPPassword())
		log.Printf("[DEBUG] config %s, output %s", path, cfg.OutputDir())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&dbg, "dbg", false, "Debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&agent, "agent", "a", "", "Agent profile (reads agents/<name>/config.yaml)")

	rootCmd.AddCommand(fetchCmd, scoreCmd, listCmd, generateCmd, reviewEmailCmd, reviewPollCmd)
	rootCmd.AddCommand(statusCmd, initCmd, schemaCmd, versionCmd)
}

func newPipeline() *pipeline.Pipeline {
	return pipeline.New(cfg, rundir.Today(cfg.OutputDir()), pipeline.Deps{})
}

func printStep(res pipeline.StepResult) {
	fmt.Println(res.Summary)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println("content-pipeline", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/content-pipeline/",
	RunE: func(_ *cobra.Command, _ []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil { //nolint:gosec // user config
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure feeds, mail accounts and the strategy file.")
		return nil
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema of the config file",
	RunE: func(_ *cobra.Command, _ []string) error {
		data, err := config.SchemaJSON()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show today's run directory, review state and spend",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Print(newPipeline().Status())
	},
}

// --- fetch ---

var ignoreCache bool

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch feed items into today's raw items file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		res, err := newPipeline().Fetch(cmd.Context(), pipeline.FetchOptions{IgnoreCache: ignoreCache})
		if err != nil {
			return err
		}
		printStep(res)
		return nil
	},
}

// --- score ---

var scoreModel string

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score today's raw items against the strategy",
	RunE: func(cmd *cobra.Command, _ []string) error {
		p := newPipeline()
		res, err := p.Score(cmd.Context(), pipeline.ScoreOptions{Model: scoreModel})
		if err != nil {
			return err
		}
		printStep(res)
		fmt.Println("[Budget]", p.Budget())
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List today's ranked items with their numbers",
	RunE: func(_ *cobra.Command, _ []string) error {
		out, err := newPipeline().List()
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

// --- generate ---

var (
	genTopN  int
	genModel string
	genAngle string
	genEmail bool
)

var generateCmd = &cobra.Command{
	Use:   "generate [selection]",
	Short: "Draft posts for selected items (e.g. 1,3 or all; default top N)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := pipeline.GenerateOptions{TopN: genTopN, Model: genModel, Angle: genAngle, Email: genEmail}
		if len(args) == 1 {
			opts.Selection = &args[0]
		}
		p := newPipeline()
		res, err := p.Generate(cmd.Context(), opts)
		if err != nil {
			return err
		}
		printStep(res)
		fmt.Println("[Budget]", p.Budget())
		return nil
	},
}

// --- review ---

var (
	reviewMaxItems int
	reviewMinTotal float64
)

var reviewEmailCmd = &cobra.Command{
	Use:   "review-email",
	Short: "Mail today's ranked items for review",
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts := pipeline.ReviewOptions{MinTotal: float64(cfg.Review.MinTotal), MaxItems: cfg.Review.MaxItems}
		if cmd.Flags().Changed("min-total") {
			opts.MinTotal = reviewMinTotal
		}
		if cmd.Flags().Changed("max-items") {
			opts.MaxItems = reviewMaxItems
		}
		res, err := newPipeline().ReviewEmail(cmd.Context(), opts)
		if err != nil {
			return err
		}
		printStep(res)
		return nil
	},
}

var (
	pollForce bool
	pollReset bool
	pollAngle string
	pollEmail bool
)

var reviewPollCmd = &cobra.Command{
	Use:   "review-poll",
	Short: "Check the mailbox for the review reply and generate for its selection",
	RunE: func(cmd *cobra.Command, _ []string) error {
		p := newPipeline()
		res, err := p.ReviewPoll(cmd.Context(), pipeline.PollOptions{
			Force:           pollForce,
			Reset:           pollReset,
			Angle:           pollAngle,
			EmailOnGenerate: pollEmail,
		})
		if err != nil {
			return err
		}
		printStep(res)
		return nil
	},
}

func init() {
	fetchCmd.Flags().BoolVar(&ignoreCache, "ignore-cache", false, "Keep links seen on earlier runs")

	scoreCmd.Flags().StringVar(&scoreModel, "model", "", "Scoring model (default llm.scoring_model)")

	generateCmd.Flags().IntVar(&genTopN, "top-n", 0, "Items to draft when no selection is given (default generate.top_n)")
	generateCmd.Flags().StringVar(&genModel, "model", "", "Generation model (default llm.generation_model)")
	generateCmd.Flags().StringVar(&genAngle, "angle", "", "Angle hint applied to all selected items")
	generateCmd.Flags().BoolVar(&genEmail, "email", false, "Mail the digest after generating")

	reviewEmailCmd.Flags().IntVar(&reviewMaxItems, "max-items", 0, "Cap on listed items, 0 for no cap (default review.max_items)")
	reviewEmailCmd.Flags().Float64Var(&reviewMinTotal, "min-total", 0, "Minimum total score (default review.min_total)")

	reviewPollCmd.Flags().BoolVar(&pollForce, "force", false, "Generate even if today's reply was already processed")
	reviewPollCmd.Flags().BoolVar(&pollReset, "reset", false, "Clear the processed marker before polling")
	reviewPollCmd.Flags().StringVar(&pollAngle, "angle", "", "Angle hint passed to generation")
	reviewPollCmd.Flags().BoolVar(&pollEmail, "email-on-generate", false, "Mail the digest after generating")
}

func setupLog(dbg bool, secs ...string) {
	logOpts := []lgr.Option{lgr.Out(os.Stderr), lgr.Err(os.Stderr)}
	if dbg {
		logOpts = append(logOpts, lgr.Debug, lgr.Msec, lgr.LevelBraces, lgr.CallerFile)
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	var secrets []string
	for _, s := range secs {
		if s != "" {
			secrets = append(secrets, s)
		}
	}
	if len(secrets) > 0 {
		logOpts = append(logOpts, lgr.Secret(secrets...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
