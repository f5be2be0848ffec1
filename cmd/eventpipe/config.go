package main

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/Chichichkin/eventpipe/client"
	"github.com/Chichichkin/eventpipe/internal/source"
)

// Config holds everything the run command needs.
type Config struct {
	Verbose       bool
	Delivery      client.Options
	Source        source.Config
	FlushInterval time.Duration
	MetricsAddr   string
}

// loadDeliveryOptions reads EVENTPIPE_* variables, after --env-file if given.
func loadDeliveryOptions(c *cli.Context) (client.Options, error) {
	if envFile := c.String("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return client.Options{}, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	opts, err := client.LoadOptions()
	if err != nil {
		return client.Options{}, err
	}
	if url := c.String("url"); url != "" {
		opts.URL = url
	}
	// the CLI handles signals itself
	opts.ShutdownAutomatically = false
	return opts, nil
}

func buildConfig(c *cli.Context) (*Config, error) {
	opts, err := loadDeliveryOptions(c)
	if err != nil {
		return nil, err
	}

	src := source.DefaultConfig()
	src.LogRootPath = c.String("log-path")
	src.NodeName = c.String("node-name")
	src.ScanInterval = c.Duration("scan-interval")
	src.Workers = c.Int("workers")
	src.FileQueueSize = c.Int("file-queue-size")
	src.FileIdleTimeout = c.Duration("file-idle-timeout")
	if err := src.Validate(); err != nil {
		return nil, err
	}

	return &Config{
		Verbose:       c.Bool("verbose"),
		Delivery:      opts,
		Source:        src,
		FlushInterval: c.Duration("flush-interval"),
		MetricsAddr:   c.String("metrics-addr"),
	}, nil
}
