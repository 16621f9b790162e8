package main

import (
	"context"
	"flag"
	"os"

	"github.com/HerbHall/procwatch/pkg/models"
	"github.com/HerbHall/procwatch/pkg/observer"
)

func runProcesses(args []string) {
	fs := flag.NewFlagSet("processes", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	backend := fs.String("collector", "", "collector backend: auto, procfs or gopsutil (default from config)")
	name := fs.String("name", "", "only list processes with this name")
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

	procs, err := observer.Processes(context.Background(), observer.WithBackend(*backend))
	if err != nil {
		fatalf("list processes: %v", err)
	}
	if *name != "" {
		filtered := make([]models.ProcessDescriptor, 0, len(procs))
		for _, p := range procs {
			if p.Name == *name {
				filtered = append(filtered, p)
			}
		}
		procs = filtered
	}
	if err := write(os.Stdout, *format, procs); err != nil {
		fatalf("%v", err)
	}
}
