// abstracts runs the two Solr-facing maintenance passes:
//
//	abstracts queue     scan the index for works without abstracts and
//	                    enqueue them for fetching
//	abstracts transfer  write cached abstracts back into the index
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nacsos/meta-cache/internal/config"
	"github.com/nacsos/meta-cache/internal/logging"
	"github.com/nacsos/meta-cache/internal/store"
	"github.com/nacsos/meta-cache/internal/transfer"
	"github.com/nacsos/meta-cache/internal/worker"
	"github.com/nacsos/meta-cache/pkg/solr"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	command := os.Args[1]

	flags := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := flags.String("config", "", "path to config file")
	limit := flags.Int("limit", 0, "queue: max works to enqueue per run")
	filter := flags.String("filter", "", "queue: extra Solr filter query, e.g. a created_date range")
	force := flags.Bool("force", false, "transfer: overwrite existing abstracts")
	flags.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := logging.Must(cfg.LogLevel)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.Database.URL, log)
	if err != nil {
		log.Fatalw("database connection failed", "error", err)
	}
	defer st.Close()

	sl := solr.NewClient(solr.Config{Host: cfg.Solr.Host, Collection: cfg.Solr.Collection})

	switch command {
	case "queue":
		gd := worker.NewGapDetector(sl, st, *limit, log)
		if *filter != "" {
			gd.Restrict(*filter)
		}
		n, err := gd.Seed(ctx)
		if err != nil {
			log.Fatalw("gap seeding failed", "queued", n, "error", err)
		}
		log.Infow("done", "queued", n)
	case "transfer":
		stats, err := transfer.New(st, sl, transfer.Options{Force: *force}, log).Run(ctx)
		if err != nil {
			log.Fatalw("transfer failed", "stats", stats, "error", err)
		}
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: abstracts <queue|transfer> [flags]")
	os.Exit(2)
}
