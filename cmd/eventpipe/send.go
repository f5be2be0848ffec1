package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/Chichichkin/eventpipe/client"
	"github.com/Chichichkin/eventpipe/internal/logging"
)

var errDeliveryFailed = errors.New("event delivery failed")

func send(c *cli.Context) error {
	event, err := parseEvent(c.String("event"))
	if err != nil {
		return err
	}

	opts, err := loadDeliveryOptions(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := logging.NewSugaredLogger(c.Bool("verbose"))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck

	var failure *client.Response
	cl, err := client.New(opts,
		client.WithLogger(sugar),
		client.WithOnError(func(resp client.Response) {
			failure = &resp
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer cl.Close()

	ok, err := cl.Push(event)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: queue is full", errDeliveryFailed)
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	if err := cl.Flush(ctx); err != nil {
		return err
	}

	// the callback runs on the worker goroutine before Flush is acknowledged
	if failure != nil && (failure.Status < 200 || failure.Status >= 300) {
		return fmt.Errorf("%w: status %d %s", errDeliveryFailed, failure.Status, failure.Error)
	}
	sugar.Infow("event delivered", "url", opts.URL)
	return nil
}

func parseEvent(raw string) (client.Event, error) {
	var event client.Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return nil, fmt.Errorf("%w: event must be a JSON object: %v", client.ErrInvalidArgument, err)
	}
	if event == nil {
		return nil, fmt.Errorf("%w: event must be a JSON object", client.ErrInvalidArgument)
	}
	return event, nil
}
