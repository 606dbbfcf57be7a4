// Command medsync keeps medical reports readable offline. It serves the
// bridge API for a host shell and offers one-shot commands that print a
// view's state as JSON.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	_ "github.com/joho/godotenv/autoload"
)

var version = "dev"

// CLI is the command line.
type CLI struct {
	Globals

	Serve    ServeCmd    `cmd:"" help:"Run the bridge API server."`
	Reports  ReportsCmd  `cmd:"" help:"Show the report list."`
	Report   ReportCmd   `cmd:"" help:"Show one report."`
	Summary  SummaryCmd  `cmd:"" help:"Show the AI medication summary of a report."`
	Clear    ClearCmd    `cmd:"" help:"Remove cached data."`
	Stats    StatsCmd    `cmd:"" help:"Show cache statistics."`
	Approval ApprovalCmd `cmd:"" help:"Wait for an emergency access request to be decided."`
	Version  VersionCmd  `cmd:"" help:"Print the version."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("medsync"),
		kong.Description("Offline-first medical report synchronizer."),
		kong.UsageOnError(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(version)
	return nil
}
