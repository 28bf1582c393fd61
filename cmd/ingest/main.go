// ingest pulls the OpenAlex delta into Solr:
//
//	ingest day  -date 2024-01-02      one day (default: yesterday)
//	ingest bulk -from ... -to ...     a span of days, oldest first
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nacsos/meta-cache/internal/config"
	"github.com/nacsos/meta-cache/internal/ingest"
	"github.com/nacsos/meta-cache/internal/logging"
	"github.com/nacsos/meta-cache/internal/store"
	"github.com/nacsos/meta-cache/pkg/openalex"
	"github.com/nacsos/meta-cache/pkg/solr"
)

const dateLayout = "2006-01-02"

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	command := os.Args[1]

	flags := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := flags.String("config", "", "path to config file")
	dateArg := flags.String("date", "", "day: date to ingest (YYYY-MM-DD)")
	fromArg := flags.String("from", "", "bulk: first date (YYYY-MM-DD)")
	toArg := flags.String("to", "", "bulk: last date (YYYY-MM-DD)")
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

	oa, err := openalex.NewClient(cfg.OpenAlex.APIKey, cfg.OpenAlex.MailTo)
	if err != nil {
		log.Fatalw("openalex client failed", "error", err)
	}
	sl := solr.NewClient(solr.Config{Host: cfg.Solr.Host, Collection: cfg.Solr.Collection})
	in := ingest.New(oa, sl, st, log)

	switch command {
	case "day":
		day := time.Now().UTC().AddDate(0, 0, -1)
		if *dateArg != "" {
			day = parseDate(*dateArg)
		}
		if _, err := in.Day(ctx, day); err != nil {
			log.Fatalw("ingest failed", "date", day.Format(dateLayout), "error", err)
		}
	case "bulk":
		if *fromArg == "" || *toArg == "" {
			usage()
		}
		from, to := parseDate(*fromArg), parseDate(*toArg)
		stats, err := in.Range(ctx, from, to)
		if err != nil {
			log.Fatalw("bulk ingest failed", "error", err)
		}
		log.Infow("bulk ingest done",
			"works", stats.Works, "indexed", stats.Indexed,
			"preserved", stats.Preserved, "queued", stats.Queued)
	default:
		usage()
	}
}

func parseDate(s string) time.Time {
	day, err := time.Parse(dateLayout, s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid date %q, expected YYYY-MM-DD\n", s)
		os.Exit(2)
	}
	return day
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ingest <day|bulk> [flags]")
	os.Exit(2)
}
