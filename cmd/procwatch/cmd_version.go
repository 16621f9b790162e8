package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/HerbHall/procwatch/internal/version"
)

func runVersion(args []string) {
	fs := flag.NewFlagSet("version", flag.ExitOnError)
	format := fs.String("format", "", "print structured build info as json or yaml")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *format == "" {
		fmt.Println(version.Info())
		return
	}
	if err := write(os.Stdout, *format, version.Current()); err != nil {
		fatalf("%v", err)
	}
}
