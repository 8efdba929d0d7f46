package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/pior/nsq"
)

func tailCmd(a *app) *cobra.Command {
	var (
		channel string
		count   int64
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the messages of a topic",
		Long: `Subscribe to the topic on every configured nsqd and print each message
body on its own line. Messages are finished once printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("channel") {
				a.cfg.Channel = channel
			}
			return a.tail(cmd.Context(), os.Stdout, count)
		},
	}

	cmd.Flags().StringVar(&channel, "channel", "", "channel name (default from config, or nsqtail#ephemeral)")
	cmd.Flags().Int64VarP(&count, "count", "n", 0, "exit after this many messages")

	return cmd
}

// printer writes message bodies and finishes the messages.
type printer struct {
	mu    sync.Mutex
	out   io.Writer
	seen  atomic.Int64
	limit int64
	done  chan struct{}
	once  sync.Once
}

func (p *printer) HandleMessage(m *nsq.Message) {
	p.mu.Lock()
	_, err := fmt.Fprintf(p.out, "%s\n", m.Body)
	p.mu.Unlock()

	if err != nil {
		_ = m.Requeue(0)
		return
	}
	_ = m.Finish()

	if p.limit > 0 && p.seen.Add(1) >= p.limit {
		p.once.Do(func() { close(p.done) })
	}
}

func (a *app) tail(ctx context.Context, out io.Writer, limit int64) error {
	if a.cfg.Topic == "" {
		return errors.New("--topic is required")
	}

	p := &printer{out: out, limit: limit, done: make(chan struct{})}

	var sessions []*nsq.Session
	defer func() {
		for _, s := range sessions {
			closeCtx, cancel := context.WithTimeout(context.Background(), a.closeTimeout())
			if err := s.Close(closeCtx); err != nil {
				a.logger.Warn().Err(err).Str("addr", s.Addr()).Msg("close timed out")
			}
			cancel()
		}
	}()

	for _, addr := range a.cfg.Addrs {
		s, err := nsq.NewSession(addr, a.cfg.Topic, a.cfg.Channel, a.cfg.NSQ)
		if err != nil {
			return err
		}
		s.RegisterReader(p)
		// Close drains the session on exit, so it must outlive ctx.
		if err := s.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		sessions = append(sessions, s)
		a.collector.AddSession(s)
		a.logger.Info().Str("addr", addr).Str("topic", a.cfg.Topic).Str("channel", a.cfg.Channel).Msg("subscribing")
	}

	select {
	case <-ctx.Done():
	case <-p.done:
	}
	return nil
}

func (a *app) closeTimeout() time.Duration {
	if a.cfg.NSQ.CloseTimeout > 0 {
		return a.cfg.NSQ.CloseTimeout + time.Second
	}
	return 6 * time.Second
}
