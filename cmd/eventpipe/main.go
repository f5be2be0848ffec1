package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/Chichichkin/eventpipe/client"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "eventpipe",
		Usage:   "Buffer events and deliver them in batches to an HTTP collector",
		Version: client.Version,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Tail log files and ship every line as an event",
				Flags:  runFlags(),
				Action: run,
			},
			{
				Name:   "send",
				Usage:  "Send a single JSON event and wait for it to be delivered",
				Flags:  sendFlags(),
				Action: send,
			},
		},
	}
}
