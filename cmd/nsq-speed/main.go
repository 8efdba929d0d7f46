// Command nsq-speed measures publish throughput and latency against one nsqd.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"slices"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/pior/nsq"
)

type scenario struct {
	name     string
	messages int // messages per command
	publish  func(ctx context.Context, p *nsq.Producer, topic string) error
}

type result struct {
	scenario scenario
	commands int64
	elapsed  time.Duration
	p50, p99 time.Duration
}

func (r result) commandRate() float64 { return float64(r.commands) / r.elapsed.Seconds() }

func (r result) messageRate() float64 {
	return float64(r.commands*int64(r.scenario.messages)) / r.elapsed.Seconds()
}

type options struct {
	addr        string
	pool        string
	concurrency int
	count       int64
	only        string
}

func main() {
	var opts options
	flag.StringVar(&opts.addr, "addr", "127.0.0.1:4150", "nsqd TCP address")
	flag.StringVar(&opts.pool, "pool", "channel", "producer pool: channel or puddle")
	flag.IntVar(&opts.concurrency, "concurrency", 4, "concurrent publishers")
	flag.Int64Var(&opts.count, "count", 100_000, "commands per scenario")
	flag.StringVar(&opts.only, "only", "", "run a single scenario (pub, mpub-10, pub-10kb, dpub)")
	flag.Parse()

	cfg := nsq.ProducerConfig{
		MaxConnsPerServer:   int32(opts.concurrency),
		HealthCheckInterval: -1,
	}
	switch opts.pool {
	case "channel":
	case "puddle":
		cfg.Pool = nsq.NewPuddlePool
	default:
		log.Fatalf("unknown pool %q", opts.pool)
	}

	producer, err := nsq.NewProducer(nsq.NewStaticServers(opts.addr), cfg)
	if err != nil {
		log.Fatalf("producer: %v", err)
	}
	defer producer.Close()

	ctx := context.Background()
	if err := producer.Ping(ctx); err != nil {
		log.Fatalf("nsqd unreachable: %v", err)
	}

	// Ephemeral topics are dropped by nsqd once the last channel goes away.
	topic := fmt.Sprintf("nsq-speed-%06d#ephemeral", rand.IntN(1_000_000))

	fmt.Printf("nsqd %s, topic %s, %s pool, %d publishers, %s commands per scenario\n\n",
		opts.addr, topic, opts.pool, opts.concurrency, humanCount(opts.count))

	var results []result
	for _, s := range scenarios() {
		if opts.only != "" && s.name != opts.only {
			continue
		}
		r := run(ctx, producer, topic, opts, s)
		fmt.Printf("%-10s done in %s\n", s.name, humanDuration(r.elapsed))
		results = append(results, r)
	}

	fmt.Println()
	printResults(results)
	fmt.Println()
	printProducer(producer)
}

func scenarios() []scenario {
	small := []byte("nsq-speed-0123456789")
	large := make([]byte, 10*1024)
	batch := slices.Repeat([][]byte{small}, 10)

	return []scenario{
		{"pub", 1, func(ctx context.Context, p *nsq.Producer, topic string) error {
			return p.Publish(ctx, topic, small)
		}},
		{"mpub-10", len(batch), func(ctx context.Context, p *nsq.Producer, topic string) error {
			return p.MultiPublish(ctx, topic, batch)
		}},
		{"pub-10kb", 1, func(ctx context.Context, p *nsq.Producer, topic string) error {
			return p.Publish(ctx, topic, large)
		}},
		{"dpub", 1, func(ctx context.Context, p *nsq.Producer, topic string) error {
			return p.DeferredPublish(ctx, topic, time.Hour, small)
		}},
	}
}

// run splits opts.count commands across the publishers and records the
// latency of every command.
func run(ctx context.Context, p *nsq.Producer, topic string, opts options, s scenario) result {
	perWorker := opts.count / int64(opts.concurrency)
	latencies := make([][]time.Duration, opts.concurrency)

	var wg sync.WaitGroup
	start := time.Now()
	for w := range opts.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			own := make([]time.Duration, 0, perWorker)
			for range perWorker {
				t := time.Now()
				if err := s.publish(ctx, p, topic); err != nil {
					log.Fatalf("%s: %v", s.name, err)
				}
				own = append(own, time.Since(t))
			}
			latencies[w] = own
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	all := slices.Concat(latencies...)
	slices.Sort(all)

	return result{
		scenario: s,
		commands: int64(len(all)),
		elapsed:  elapsed,
		p50:      percentile(all, 0.50),
		p99:      percentile(all, 0.99),
	}
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*q)]
}

func printResults(results []result) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "scenario\tcommands\telapsed\tcmd/s\tmsg/s\tp50\tp99\t")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
			r.scenario.name,
			humanCount(r.commands),
			humanDuration(r.elapsed),
			humanCount(int64(r.commandRate())),
			humanCount(int64(r.messageRate())),
			humanDuration(r.p50),
			humanDuration(r.p99),
		)
	}
	_ = w.Flush()
}

func printProducer(p *nsq.Producer) {
	stats := p.Stats()
	fmt.Printf("published %s messages (PUB %s, MPUB %s, DPUB %s), %d errors\n",
		humanCount(int64(stats.MessagesPublished)),
		humanCount(int64(stats.Publishes)),
		humanCount(int64(stats.MultiPublishes)),
		humanCount(int64(stats.DeferredPublishes)),
		stats.Errors,
	)

	for _, s := range p.AllPoolStats() {
		ps := s.PoolStats
		fmt.Printf("%s: circuit %s, conns %d (%d active, %d idle), created %d, destroyed %d\n",
			s.Addr, s.CircuitBreakerState,
			ps.TotalConns, ps.ActiveConns, ps.IdleConns,
			ps.CreatedConns, ps.DestroyedConns,
		)
		if ps.AcquireWaitCount > 0 {
			avg := time.Duration(ps.AcquireWaitTimeNs / ps.AcquireWaitCount)
			fmt.Printf("  %s of %s acquires waited for a connection, avg %s\n",
				humanCount(int64(ps.AcquireWaitCount)), humanCount(int64(ps.AcquireCount)), humanDuration(avg))
		}
	}
}

func humanCount(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.2fM", float64(n)/1e6)
	case n >= 10_000:
		return fmt.Sprintf("%.1fK", float64(n)/1e3)
	default:
		return fmt.Sprint(n)
	}
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return d.Round(10 * time.Millisecond).String()
	case d >= time.Millisecond:
		return d.Round(10 * time.Microsecond).String()
	default:
		return d.Round(100 * time.Nanosecond).String()
	}
}
