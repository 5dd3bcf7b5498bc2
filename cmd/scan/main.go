// Command scan runs a single scan job from the command line against an
// in-memory ledger and prints the findings.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/olekukonko/tablewriter"

	"github.com/timmy/exposcan/internal/app"
	"github.com/timmy/exposcan/internal/config"
	"github.com/timmy/exposcan/internal/domain"
	"github.com/timmy/exposcan/internal/ingest"
	"github.com/timmy/exposcan/internal/logger"
	"github.com/timmy/exposcan/internal/provider"
	"github.com/timmy/exposcan/internal/scan"
)

const workspaceID = "cli"

func main() {
	targetType := flag.String("type", "email", "Target type: email, username, phone, domain, ip, name")
	value := flag.String("value", "", "Single target value")
	file := flag.String("file", "", "CSV or newline separated file of targets")
	providers := flag.String("providers", "", "Comma separated provider ids (default: every available provider for the type)")
	budget := flag.Int64("credits", 0, "Credits granted to the scan workspace (default: credits.starting_credit, else 1000)")
	configPath := flag.String("config", "", "Path to config file")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	appLogger := logger.New(&logger.Config{
		Level:       level,
		Format:      "text",
		ServiceName: "exposcan-cli",
	})
	logger.SetDefaultLogger(appLogger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	if *budget <= 0 {
		*budget = cfg.Credits.StartingCredit
	}
	if *budget <= 0 {
		*budget = 1000
	}

	t, err := domain.ParseTargetType(*targetType)
	if err != nil {
		appLogger.WithError(err).Fatal("Invalid target type")
	}

	rows, err := readRows(*value, *file, t)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to read targets")
	}

	ctx := context.Background()
	engine, err := app.New(ctx, cfg, app.Options{InMemory: true})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize scan engine")
	}

	batch, err := engine.Pipeline.Ingest(ctx, rows, t)
	if err != nil {
		appLogger.WithError(err).Fatal("No valid targets")
	}
	for _, r := range batch.Rejected {
		fmt.Fprintf(os.Stderr, "rejected %q: %s\n", r.RawValue, r.Reason)
	}

	ids := selectProviders(engine.Registry, *providers, t)
	if len(ids) == 0 {
		appLogger.Fatal("No provider is available for target type " + string(t))
	}

	if _, err := engine.Ledger.Grant(ctx, workspaceID, *budget, "cli budget", "cli:budget"); err != nil {
		appLogger.WithError(err).Fatal("Failed to grant credits")
	}

	job, err := engine.Controller.Submit(ctx, scan.Request{
		WorkspaceID: workspaceID,
		Targets:     batch.Accepted,
		Providers:   ids,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Scan rejected")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		fmt.Fprintln(os.Stderr, "cancelling...")
		_ = engine.Controller.Cancel(context.Background(), job.ID)
	}()

	report, err := engine.Controller.Wait(ctx, job.ID)
	if err != nil {
		appLogger.WithError(err).Fatal("Scan failed")
	}
	_ = engine.Close(ctx)

	printReport(os.Stdout, report)
	if report.Job.State != domain.JobCompleted {
		os.Exit(1)
	}
}

func readRows(value, file string, t domain.TargetType) ([]string, error) {
	if value != "" {
		return []string{value}, nil
	}
	if file == "" {
		return nil, fmt.Errorf("either -value or -file is required")
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ingest.ParseRows(f, t)
}

func selectProviders(registry *provider.Registry, list string, t domain.TargetType) []domain.ProviderID {
	var ids []domain.ProviderID
	if list != "" {
		for _, id := range strings.Split(list, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, domain.ProviderID(id))
			}
		}
		return ids
	}
	for _, spec := range registry.Specs() {
		if spec.Supports(t) && registry.Available(spec.ID) {
			ids = append(ids, spec.ID)
		}
	}
	return ids
}

func printReport(w io.Writer, report *scan.Report) {
	fmt.Fprintf(w, "Job %s: %s\n", report.Job.ID, report.Job.State)
	if s := report.Settlement; s != nil {
		fmt.Fprintf(w, "Credits: reserved %d, consumed %d, refunded %d\n", s.Reserved, s.Consumed, s.Refunded)
	}

	if len(report.Findings) > 0 {
		var data [][]string
		for _, f := range report.Findings {
			data = append(data, []string{
				f.TargetID,
				string(f.Kind),
				string(f.Severity),
				strconv.FormatFloat(f.Confidence, 'f', 2, 64),
				sourceList(f.Sources),
			})
		}
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"Target", "Kind", "Severity", "Confidence", "Sources"})
		table.SetBorder(true)
		table.AppendBulk(data)
		table.Render()
	}

	if problems := report.Problems(); len(problems) > 0 {
		var data [][]string
		for _, p := range problems {
			reasons := append(append([]string(nil), p.Errors...), p.SkipReasons...)
			data = append(data, []string{
				string(p.Provider),
				strconv.Itoa(p.Failed),
				strconv.Itoa(p.Skipped),
				strings.Join(reasons, "; "),
			})
		}
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"Provider", "Failed", "Skipped", "Reason"})
		table.SetBorder(true)
		table.AppendBulk(data)
		table.Render()
	}

	if report.ZeroResult {
		fmt.Fprintln(w, "No findings.")
		for _, s := range report.Suggestions {
			fmt.Fprintf(w, "  try: %s\n", s)
		}
	}
}

func sourceList(sources []domain.SourceConfidence) string {
	names := make([]string, 0, len(sources))
	for _, s := range sources {
		names = append(names, string(s.Provider))
	}
	return strings.Join(names, ",")
}
