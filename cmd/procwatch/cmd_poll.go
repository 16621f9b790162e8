package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/HerbHall/procwatch/pkg/models"
	"github.com/HerbHall/procwatch/pkg/observer"
)

func runPoll(args []string) {
	fs := flag.NewFlagSet("poll", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	backend := fs.String("collector", "", "collector backend: auto, procfs or gopsutil (default from config)")
	pid := fs.Uint("pid", 0, "poll the process with this id")
	name := fs.String("name", "", "poll every process with this name")
	metrics := fs.String("metrics", "all", "comma-separated metric keys")
	mask := fs.Uint("mask", 0, "numeric metric mask (overrides -metrics)")
	count := fs.Int("count", 2, "number of polls; rate metrics need at least two")
	interval := fs.Duration("interval", time.Second, "time between polls")
	format := fs.String("format", "json", "output format: json or yaml")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	settings, err := loadSettings(*configPath)
	if err != nil {
		fatalf("load configuration: %v", err)
	}
	if *backend == "" {
		*backend = settings.Engine.Collector
	}

	target := models.SystemTarget()
	switch {
	case *pid != 0 && *name != "":
		fatalf("-pid and -name are mutually exclusive")
	case *pid != 0:
		target = models.PIDTarget(uint32(*pid))
	case *name != "":
		target = models.NameTarget(*name)
	}

	var m models.MetricMask
	if *mask != 0 {
		m, err = observer.ParseMask(uint64(*mask))
	} else {
		m, err = observer.MaskFor(target.Kind, strings.Split(*metrics, ",")...)
	}
	if err != nil {
		fatalf("%v", err)
	}

	obs, err := observer.New(target,
		observer.WithBackend(*backend),
		observer.WithNameRetry(settings.Engine.NameRetry),
		observer.WithFanout(settings.Engine.Fanout),
	)
	if err != nil {
		fatalf("%v", err)
	}
	defer obs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	for i := range max(*count, 1) {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(*interval):
			}
		}
		res, err := obs.Poll(ctx, m)
		if err != nil {
			fatalf("poll %s: %v", target, err)
		}
		if err := write(os.Stdout, *format, res); err != nil {
			fatalf("%v", err)
		}
	}
}
