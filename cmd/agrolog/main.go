package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pbaille/agrolog/internal/api"
	"github.com/pbaille/agrolog/internal/config"
	"github.com/pbaille/agrolog/internal/content"
	"github.com/pbaille/agrolog/internal/domain"
	"github.com/pbaille/agrolog/internal/logging"
	"github.com/pbaille/agrolog/internal/pipeline"
	"github.com/pbaille/agrolog/internal/reasoning"
	"github.com/pbaille/agrolog/internal/store"
)

var (
	cfgPath string
	dbPath  string

	cfg    *config.Config
	logger *zap.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "agrolog",
		Short:        "Agricultural field reports with automatic analysis",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.Storage.Driver = "sqlite"
				cfg.Storage.Path = dbPath
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err = logging.New(cfg.Logging)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides storage config)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(mentionCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(pingCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type closer func() error

// openRepo opens the configured report repository
func openRepo() (pipeline.Repository, closer, error) {
	if cfg.Storage.Driver == "memory" {
		return store.NewMemory(), func() error { return nil }, nil
	}

	s, err := store.New(cfg.Storage.Path)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

// app bundles what a command needs
type app struct {
	svc    *pipeline.Service
	client *reasoning.Client
	close  closer
}

func newApp() (*app, error) {
	repo, closeRepo, err := openRepo()
	if err != nil {
		return nil, err
	}

	client, err := reasoning.New(cfg.Reasoning, logger)
	if err != nil {
		closeRepo()
		return nil, err
	}

	svc := pipeline.NewService(repo, client, logger,
		pipeline.WithMaxConcurrentAnalyses(cfg.Pipeline.MaxConcurrentAnalyses),
		pipeline.WithAnalysisTimeout(cfg.Pipeline.GetAnalysisTimeout()),
	)

	return &app{
		svc:    svc,
		client: client,
		close: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeout())
			defer cancel()
			if err := svc.Close(ctx); err != nil {
				logger.Warn("background analyses interrupted", zap.Error(err))
			}
			return closeRepo()
		},
	}, nil
}

// resolveID accepts a full report id or a unique prefix of a recent one
func (a *app) resolveID(ctx context.Context, arg string) (string, error) {
	if _, err := a.svc.GetReport(ctx, arg); err == nil {
		return arg, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	page, err := a.svc.ListReports(ctx, 1, 100)
	if err != nil {
		return "", err
	}

	var found string
	for _, r := range page.Reports {
		if strings.HasPrefix(r.ID, arg) {
			if found != "" {
				return "", fmt.Errorf("ambiguous report id: %s", arg)
			}
			found = r.ID
		}
	}
	if found == "" {
		return "", fmt.Errorf("report not found: %s", arg)
	}
	return found, nil
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := cfg.RequireAPIKey(); err != nil {
				logger.Warn("analyses will fail", zap.Error(err))
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server := api.New(a.svc, a.client, cfg.Server, logger)
			return server.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "server address (overrides server.addr)")
	return cmd
}

func addCmd() *cobra.Command {
	var (
		user      string
		location  string
		noAnalyze bool
		fromHTML  bool
	)

	cmd := &cobra.Command{
		Use:   "add [content]",
		Short: "Add a new report and analyze it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !noAnalyze {
				if err := cfg.RequireAPIKey(); err != nil {
					return err
				}
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			text := strings.Join(args, " ")
			if fromHTML {
				if text, err = content.FromHTML(text); err != nil {
					return fmt.Errorf("read html content: %w", err)
				}
			}

			if user == "" {
				user = cfg.Server.DefaultUser
			}
			ctx := cmd.Context()
			r, err := a.svc.CreateReport(ctx, pipeline.CreateReportInput{
				UserID:       user,
				Content:      text,
				Location:     location,
				SkipAnalysis: noAnalyze,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Added report: %s\n", r.ID[:8])
			fmt.Printf("Content: %s\n", truncate(r.Content, 80))

			if noAnalyze {
				fmt.Println("(skipped analysis)")
				return nil
			}

			fmt.Print("Analyzing... ")
			a.svc.Wait()

			r, err = a.svc.GetReport(ctx, r.ID)
			if err != nil {
				return err
			}
			if r.Analysis == nil {
				fmt.Println("failed (see logs)")
				return nil
			}
			fmt.Println("done")
			printAnalysis(r.Analysis)
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "author id (defaults to server.default_user)")
	cmd.Flags().StringVarP(&location, "location", "l", "", "where the report was made")
	cmd.Flags().BoolVar(&noAnalyze, "no-analyze", false, "skip automatic analysis")
	cmd.Flags().BoolVar(&fromHTML, "html", false, "content is an HTML export; store its text only")
	return cmd
}

func listCmd() *cobra.Command {
	var page, pageSize int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			p, err := a.svc.ListReports(cmd.Context(), page, pageSize)
			if err != nil {
				return err
			}

			if p.TotalCount == 0 {
				fmt.Println("No reports yet. Use 'agrolog add' to create one.")
				return nil
			}

			printReports(p.Reports)
			fmt.Printf("\nPage %d of %d (%d reports)\n", p.Page, p.TotalPages, p.TotalCount)
			return nil
		},
	}

	cmd.Flags().IntVarP(&page, "page", "p", 1, "page number")
	cmd.Flags().IntVarP(&pageSize, "page-size", "n", 10, "reports per page")
	return cmd
}

func userCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "user [userId]",
		Short: "List the reports of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			reports, err := a.svc.ListUserReports(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if len(reports) == 0 {
				fmt.Printf("No reports for %s.\n", args[0])
				return nil
			}
			printReports(reports)
			return nil
		},
	}
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show report details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			id, err := a.resolveID(ctx, args[0])
			if err != nil {
				return err
			}
			r, err := a.svc.GetReport(ctx, id)
			if err != nil {
				return err
			}

			fmt.Printf("ID:       %s\n", r.ID)
			fmt.Printf("User:     %s\n", r.UserID)
			fmt.Printf("Status:   %s\n", r.Status)
			fmt.Printf("Created:  %s\n", r.CreatedAt.Format("2006-01-02 15:04:05"))
			if r.UpdatedAt != nil {
				fmt.Printf("Updated:  %s\n", r.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			if r.Location != "" {
				fmt.Printf("Location: %s\n", r.Location)
			}
			fmt.Printf("Content:\n%s\n", r.Content)

			if r.Analysis != nil {
				fmt.Printf("\nAnalysis:\n")
				printAnalysis(r.Analysis)
			}

			if len(r.Tags) > 0 {
				fmt.Printf("\nTags: %s\n", strings.Join(r.Tags, ", "))
			}

			if len(r.Interactions) > 0 {
				fmt.Printf("\nInteractions:\n")
				for _, in := range r.Interactions {
					fmt.Printf("  [%s] %s (%d tokens)\n", in.Kind, in.CreatedAt.Format("2006-01-02 15:04"), in.Tokens)
					fmt.Printf("    > %s\n", truncate(in.Query, 100))
					fmt.Printf("    < %s\n", truncate(in.Reply, 100))
				}
			}

			return nil
		},
	}
}

func updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update [id] [content]",
		Short: "Replace the text of a report",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			id, err := a.resolveID(ctx, args[0])
			if err != nil {
				return err
			}

			r, err := a.svc.UpdateContent(ctx, id, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Printf("Updated report: %s\n", r.ID[:8])
			return nil
		},
	}
}

func mentionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mention [id] [question]",
		Short: "Ask a follow-up question about a report",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.RequireAPIKey(); err != nil {
				return err
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			id, err := a.resolveID(ctx, args[0])
			if err != nil {
				return err
			}

			in, err := a.svc.ProcessMention(ctx, id, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Println(in.Reply)
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			id, err := a.resolveID(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.svc.DeleteReport(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Deleted report: %s\n", id[:8])
			return nil
		},
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the reasoning service answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.RequireAPIKey(); err != nil {
				return err
			}

			client, err := reasoning.New(cfg.Reasoning, logger)
			if err != nil {
				return err
			}
			if !client.Ping(cmd.Context()) {
				return fmt.Errorf("reasoning service unreachable at %s", cfg.Reasoning.BaseURL)
			}
			fmt.Printf("Reasoning service OK (%s)\n", cfg.Reasoning.Model)
			return nil
		},
	}
}

func printReports(reports []*domain.Report) {
	for _, r := range reports {
		crop := "-"
		if r.Analysis != nil {
			crop = r.Analysis.CropType
		}
		fmt.Printf("%s  %-9s  %-16s  %s\n", r.ID[:8], r.Status, truncate(crop, 16), truncate(r.Content, 60))
	}
}

func printAnalysis(a *domain.Analysis) {
	fmt.Printf("  Crop:       %s\n", a.CropType)
	fmt.Printf("  Stage:      %s\n", a.Stage)
	fmt.Printf("  Confidence: %.0f%%\n", a.Confidence*100)
	for _, p := range a.Problems {
		fmt.Printf("  ! %s (%s): %s\n", p.Category, p.Severity, p.Description)
	}
	for _, rec := range a.Recommendations {
		fmt.Printf("  - %s\n", rec)
	}
}

func truncate(s string, max int) string {
	// Replace newlines with spaces for display
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
