package main

import (
	"context"
	"os"

	"github.com/taskcluster/taskcluster-sub006/internal/cli"
)

func main() {
	if err := cli.Run(context.Background(), os.Args[1:]); err != nil {
		os.Exit(1)
	}
}
