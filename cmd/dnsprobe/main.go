// Command dnsprobe sends 0x20 check queries to a server or resolver and
// reports whether the question case came back as sent.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	mdns "github.com/miekg/dns"

	"minidns/probe"
)

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	serverAddr := flag.String("server", "127.0.0.1:53", "server or resolver to query")
	zoneName := flag.String("zone", "example.com.", "zone the check names are placed under")
	qtype := flag.String("type", "A", "question type")
	count := flag.Int("count", 1, "number of probes")
	recheck := flag.Bool("recheck", false, "use the recheck marker")
	timeout := flag.Duration("timeout", 2*time.Second, "per query timeout")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	lg := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.TimeOnly}))

	t, ok := mdns.StringToType[strings.ToUpper(*qtype)]
	if !ok {
		return fmt.Errorf("unknown question type: %q", *qtype)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	p := probe.New(*serverAddr, probe.WithLogger(lg), probe.WithTimeout(*timeout))

	tally := make(map[probe.Verdict]int)
	failed := 0
	for i := 0; i < *count && ctx.Err() == nil; i++ {
		res, err := p.Check(ctx, p.CheckName(*zoneName, *recheck), t)
		if err != nil {
			failed++
			lg.Error("probe", slog.Int("n", i+1), slog.String("error", err.Error()))
			continue
		}
		tally[res.Verdict]++
	}

	lg.Info("done",
		slog.Int("sent", *count),
		slog.Int("failed", failed),
		slog.Int("preserved", tally[probe.Preserved]),
		slog.Int("case_changed", tally[probe.CaseChanged]),
		slog.Int("mismatch", tally[probe.Mismatch]))
	return nil
}
