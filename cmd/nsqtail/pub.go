package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pior/nsq"
)

func pubCmd(a *app) *cobra.Command {
	var (
		delay time.Duration
		batch int
	)

	cmd := &cobra.Command{
		Use:   "pub [message...]",
		Short: "Publish messages to a topic",
		Long: `Publish each argument as a message. Without arguments, publish each
line read from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader
			if len(args) == 0 {
				in = os.Stdin
			}
			return a.publish(cmd.Context(), args, in, delay, batch)
		},
	}

	cmd.Flags().DurationVar(&delay, "delay", 0, "defer delivery (DPUB)")
	cmd.Flags().IntVar(&batch, "batch", 1, "messages per MPUB command")

	return cmd
}

func (a *app) publish(ctx context.Context, args []string, in io.Reader, delay time.Duration, batch int) error {
	if a.cfg.Topic == "" {
		return errors.New("--topic is required")
	}
	if batch > 1 && delay > 0 {
		return errors.New("--batch and --delay cannot be combined")
	}

	producer, err := nsq.NewProducer(nsq.NewStaticServers(a.cfg.Addrs...), nsq.ProducerConfig{
		Config:            a.cfg.NSQ,
		NewCircuitBreaker: nsq.NewCircuitBreakerConfig(1, time.Minute, 10*time.Second),
	})
	if err != nil {
		return err
	}
	defer producer.Close()
	a.collector.AddProducer("nsqtail", producer)

	var pending [][]byte
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		var err error
		switch {
		case len(pending) > 1:
			err = producer.MultiPublish(ctx, a.cfg.Topic, pending)
		case delay > 0:
			err = producer.DeferredPublish(ctx, a.cfg.Topic, delay, pending[0])
		default:
			err = producer.Publish(ctx, a.cfg.Topic, pending[0])
		}
		pending = nil
		return err
	}

	send := func(body []byte) error {
		pending = append(pending, body)
		if len(pending) >= max(batch, 1) {
			return flush()
		}
		return nil
	}

	for _, arg := range args {
		if err := send([]byte(arg)); err != nil {
			return err
		}
	}

	if in != nil {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			if err := send(line); err != nil {
				return err
			}
		}
		if err := scanner.Err(); err != nil {
			return err
		}
	}

	if err := flush(); err != nil {
		return err
	}

	stats := producer.Stats()
	a.logger.Info().Uint64("messages", stats.MessagesPublished).Str("topic", a.cfg.Topic).Msg("published")
	return nil
}
