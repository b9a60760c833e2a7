// Command feedwatch is a terminal observer: it shows one page of the collection and
// the recently changed projects, kept current from the push channel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/sirupsen/logrus"

	"project-feed/internal/client"
	"project-feed/internal/config"
	"project-feed/internal/models"
	"project-feed/internal/observer"
)

const usage = `Project feed observer.

Usage:
    feedwatch [--config=<path>] [--url=<url>] [--page=<page>] [--limit=<limit>]
    feedwatch rename [--config=<path>] [--url=<url>] <id> <title>
    feedwatch -h | --help

Options:
    -h --help          Show this screen.
    --config=<path>    Service config file, only the observer and logging sections are used.
    --url=<url>        Service base url, overrides observer.url.
    --page=<page>      Page to show first [default: 1].
    --limit=<limit>    Records per page, overrides observer.page_size.`

func main() {
	opts, err := docopt.ParseDoc(usage)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg := &config.Config{}
	if path, _ := opts.String("--config"); path != "" {
		if cfg, err = config.LoadConfig(path); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg.SetDefaults()
	}
	if url, _ := opts.String("--url"); url != "" {
		cfg.Observer.URL = url
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}

	c, err := client.New(cfg.Observer.URL, cfg.Observer.Timeout, logger)
	if err != nil {
		logger.Fatalf("Failed to create client: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if rename, _ := opts.Bool("rename"); rename {
		runRename(ctx, c, opts, logger)
		return
	}
	runWatch(ctx, c, cfg, opts, logger)
}

func runRename(ctx context.Context, c *client.Client, opts docopt.Opts, logger *logrus.Logger) {
	rawID, _ := opts.String("<id>")
	title, _ := opts.String("<title>")
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		logger.Fatalf("Invalid project id %q", rawID)
	}
	rec, err := c.UpdateTitle(ctx, id, title)
	if err != nil {
		logger.Fatalf("Rename failed: %v", err)
	}
	fmt.Printf("%d\t%s\t%s\n", rec.ID, rec.Title, rec.Status)
}

func runWatch(ctx context.Context, c *client.Client, cfg *config.Config, opts docopt.Opts, logger *logrus.Logger) {
	limit := cfg.Observer.PageSize
	if raw, _ := opts.String("--limit"); raw != "" {
		if limit, _ = strconv.Atoi(raw); limit <= 0 {
			logger.Fatalf("Invalid limit %q", raw)
		}
	}
	page, _ := opts.Int("--page")

	rec := observer.NewReconciler(c, limit, cfg.Observer.LedgerCapacity, logger)
	if err := rec.Fetch(ctx, max(page, 1)); err != nil {
		logger.Fatalf("Initial fetch failed: %v", err)
	}

	logger.Infof("Watching %s", cfg.Observer.URL)
	err := c.Watch(ctx, rec, client.WatchOptions{
		OnResync: func(s observer.Snapshot) { render(s) },
		OnChange: func(ev models.ChangeEvent, s observer.Snapshot) {
			logger.Infof("Project %d changed: %q (%s)", ev.ID(), ev.Record.Title, ev.Record.Status)
			render(s)
		},
	})
	if err != nil {
		logger.Fatalf("Watch failed: %v", err)
	}
	logger.Info("Observer stopped")
}

func render(s observer.Snapshot) {
	fmt.Println("Changed projects:")
	for _, r := range s.Changed() {
		fmt.Printf("  %d\t%s (Status: %s)\n", r.ID, r.Title, r.Status)
	}
	fmt.Printf("All projects (page %d of %d, %d total):\n", s.Pagination.Page, s.Pagination.TotalPages, s.Pagination.TotalRecords)
	for _, r := range s.Records {
		fmt.Printf("  %d\t%s (Status: %s)\n", r.ID, r.Title, r.Status)
	}
	fmt.Println()
}
