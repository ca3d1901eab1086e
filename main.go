package main

import (
	"context"
	"os"
	"syscall"

	"github.com/ohsu-comp-bio/molq/cmd"
	"github.com/ohsu-comp-bio/molq/job"
	"github.com/ohsu-comp-bio/molq/logger"
	"github.com/ohsu-comp-bio/molq/util"
)

func main() {
	ctx, cancel := util.SignalContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.RootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		logger.PrintSimpleError(err)
		os.Exit(job.ExitCode(err))
	}
}
