package main

import (
	"flag"
	"os"

	"github.com/HerbHall/procwatch/pkg/observer"
)

func runMasks(args []string) {
	fs := flag.NewFlagSet("masks", flag.ExitOnError)
	format := fs.String("format", "yaml", "output format: json or yaml")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if err := write(os.Stdout, *format, observer.Masks()); err != nil {
		fatalf("%v", err)
	}
}
