package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/HerbHall/procwatch/internal/backup"
)

func runBackup(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file; included in the archive")
	output := fs.String("output", "", "archive path (default: procwatch-backup-{timestamp}.tar.gz)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	settings, err := loadSettings(*configPath)
	if err != nil {
		fatalf("load configuration: %v", err)
	}
	if *output == "" {
		*output = fmt.Sprintf("procwatch-backup-%s.tar.gz", time.Now().Format("20060102-150405"))
	}

	if err := backup.Backup(context.Background(), settings.History.Path, *configPath, *output); err != nil {
		fatalf("backup failed: %v", err)
	}
	fmt.Printf("Backup created: %s\n", *output)
}

func runRestore(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	input := fs.String("input", "", "backup archive to restore (required)")
	dataDir := fs.String("data-dir", ".", "target directory for restored files")
	force := fs.Bool("force", false, "overwrite existing files")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *input == "" {
		fmt.Fprintln(os.Stderr, "error: -input is required")
		fs.Usage()
		os.Exit(1)
	}

	files, err := backup.Restore(context.Background(), *input, *dataDir, *force)
	if err != nil {
		fatalf("restore failed: %v", err)
	}
	for _, f := range files {
		fmt.Printf("restored %s\n", f)
	}
}
