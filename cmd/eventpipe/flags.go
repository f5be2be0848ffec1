package main

import (
	"time"

	"github.com/urfave/cli/v2"
)

// commonFlags are shared by every command. Delivery settings come from
// EVENTPIPE_* variables, optionally loaded from --env-file.
func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
		},
		&cli.StringFlag{
			Name:  "env-file",
			Usage: "Load environment variables from this file before reading the configuration",
		},
		&cli.StringFlag{
			Name:  "url",
			Usage: "Collector endpoint, overrides EVENTPIPE_URL",
		},
	}
}

func runFlags() []cli.Flag {
	return append(commonFlags(),
		&cli.StringFlag{
			Name:    "log-path",
			Usage:   "Root directory to scan for *.log files",
			EnvVars: []string{"LOG_PATH"},
			Value:   "/var/log/pods",
		},
		&cli.StringFlag{
			Name:    "node-name",
			Usage:   "Node name attached to every event",
			EnvVars: []string{"NODE_NAME"},
			Value:   "unknown",
		},
		&cli.DurationFlag{
			Name:    "scan-interval",
			Usage:   "How often the log path is scanned for new files",
			EnvVars: []string{"SCAN_INTERVAL"},
			Value:   30 * time.Second,
		},
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "Number of files tailed concurrently",
			EnvVars: []string{"WORKERS"},
			Value:   4,
		},
		&cli.IntFlag{
			Name:    "file-queue-size",
			Usage:   "Files waiting for a free tailer before new ones are skipped",
			EnvVars: []string{"FILE_QUEUE_SIZE"},
			Value:   50,
		},
		&cli.DurationFlag{
			Name:    "file-idle-timeout",
			Usage:   "Stop tailing a file after this long without new lines (0 disables)",
			EnvVars: []string{"FILE_IDLE_TIMEOUT"},
			Value:   5 * time.Minute,
		},
		&cli.DurationFlag{
			Name:    "flush-interval",
			Usage:   "Send partially filled batches at least this often (0 disables)",
			EnvVars: []string{"FLUSH_INTERVAL"},
			Value:   5 * time.Second,
		},
		&cli.StringFlag{
			Name:    "metrics-addr",
			Usage:   "Address for the /metrics and /health endpoints (empty disables)",
			EnvVars: []string{"METRICS_ADDR"},
			Value:   ":9090",
		},
	)
}

func sendFlags() []cli.Flag {
	return append(commonFlags(),
		&cli.StringFlag{
			Name:     "event",
			Aliases:  []string{"e"},
			Usage:    `Event as a JSON object, for example '{"name":"signup"}'`,
			Required: true,
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "How long to wait for delivery",
			Value: 30 * time.Second,
		},
	)
}
