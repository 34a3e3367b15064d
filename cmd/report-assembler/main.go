package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/medinsight-report-assembler/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cli.Main(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
