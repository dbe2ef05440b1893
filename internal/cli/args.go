package cli

import (
	"log"
	"strings"

	statefactory "github.com/taskcluster/taskcluster-sub006/state/factory"
)

type cliOptions struct {
	configPath  string
	metricsAddr string
	jobs        []string
}

func parseArgs(args []string) (cliOptions, []string) {
	opts := cliOptions{}
	positional := make([]string, 0, len(args))
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--config="):
			opts.configPath = strings.TrimSpace(strings.TrimPrefix(arg, "--config="))
		case strings.HasPrefix(arg, "--metrics-addr="):
			opts.metricsAddr = strings.TrimSpace(strings.TrimPrefix(arg, "--metrics-addr="))
		case strings.HasPrefix(arg, "--jobs="):
			opts.jobs = append(opts.jobs, splitCSV(strings.TrimPrefix(arg, "--jobs="))...)
		default:
			positional = append(positional, arg)
		}
	}
	return opts, positional
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func closeBackend(backend *statefactory.Backend) {
	if backend == nil {
		return
	}
	if err := backend.Close(); err != nil {
		log.Printf("[taskqueue] state store close failed: %v", err)
	}
}
