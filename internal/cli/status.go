package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/taskcluster/taskcluster-sub006/internal/config"
)

func runStatus(ctx context.Context, args []string) error {
	opts, positional := parseArgs(args)
	if len(positional) != 1 || strings.TrimSpace(positional[0]) == "" {
		return fmt.Errorf("usage: taskqueue status <task-id>")
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	rt, cleanup, err := buildRuntime(ctx, cfg)
	defer cleanup()
	if err != nil {
		return err
	}
	status, err := rt.service.Status(ctx, strings.TrimSpace(positional[0]))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}

func runPending(ctx context.Context, args []string) error {
	opts, positional := parseArgs(args)
	if len(positional) != 1 || strings.TrimSpace(positional[0]) == "" {
		return fmt.Errorf("usage: taskqueue pending <task-queue-id>")
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	rt, cleanup, err := buildRuntime(ctx, cfg)
	defer cleanup()
	if err != nil {
		return err
	}
	n, err := rt.service.PendingCount(ctx, strings.TrimSpace(positional[0]))
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%d\n", positional[0], n)
	return nil
}
