package cli

import (
	"context"
	"fmt"
	"log"
	"strings"
)

func Run(ctx context.Context, args []string) error {
	if len(args) < 1 {
		printUsage()
		return nil
	}

	var err error
	switch strings.TrimSpace(args[0]) {
	case "serve":
		err = runServe(ctx, args[1:])
	case "sweep":
		err = runSweep(ctx, args[1:])
	case "status":
		err = runStatus(ctx, args[1:])
	case "pending":
		err = runPending(ctx, args[1:])
	case "help", "-h", "--help":
		printUsage()
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", args[0])
	}
	if err != nil {
		log.Printf("[taskqueue] %s: %v", args[0], err)
	}
	return err
}
