package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// options come from LOADTEST_* variables first; flags override them.
type options struct {
	URL      string        `env:"LOADTEST_URL" envDefault:"ws://localhost:8082/ws"`
	StatsURL string        `env:"LOADTEST_STATS_URL" envDefault:"http://localhost:9095/stats"`
	Clients  int           `env:"LOADTEST_CLIENTS" envDefault:"100"`
	RampRate int           `env:"LOADTEST_RAMP_RATE" envDefault:"50"`
	Duration time.Duration `env:"LOADTEST_DURATION" envDefault:"1m"`
	Dwell    time.Duration `env:"LOADTEST_DWELL" envDefault:"2s"`
	Report   time.Duration `env:"LOADTEST_REPORT_INTERVAL" envDefault:"10s"`
	Timeout  time.Duration `env:"LOADTEST_TIMEOUT" envDefault:"10s"`
	Verbose  bool          `env:"LOADTEST_VERBOSE"`
}

// serverStats mirrors the /stats response.
type serverStats struct {
	Connections int `json:"connections"`
	Waiting     int `json:"waiting"`
	Pairs       int `json:"pairs"`
}

func parseFlags(args []string) (options, error) {
	var o options
	if err := env.Parse(&o); err != nil {
		return o, fmt.Errorf("parse env: %w", err)
	}

	fs := pflag.NewFlagSet("roulette-loadtest", pflag.ContinueOnError)
	fs.StringVar(&o.URL, "url", o.URL, "WebSocket endpoint")
	fs.StringVar(&o.StatsURL, "stats-url", o.StatsURL, "server /stats endpoint; empty disables polling")
	fs.IntVarP(&o.Clients, "clients", "n", o.Clients, "number of simulated clients")
	fs.IntVar(&o.RampRate, "ramp-rate", o.RampRate, "new connections per second")
	fs.DurationVarP(&o.Duration, "duration", "d", o.Duration, "how long to hold the load after ramp-up")
	fs.DurationVar(&o.Dwell, "dwell", o.Dwell, "time an initiator stays in a call before skipping")
	fs.DurationVar(&o.Report, "report-interval", o.Report, "interval between reports")
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "connection timeout")
	fs.BoolVarP(&o.Verbose, "verbose", "v", o.Verbose, "log every connection failure")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.Clients < 1 || o.RampRate < 1 {
		return o, fmt.Errorf("clients and ramp-rate must be positive")
	}
	return o, nil
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Str("service", "roulette-loadtest").
		Logger()
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "roulette-loadtest: %v\n", err)
		os.Exit(2)
	}

	log := newLogger(opts.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := &stats{}
	start := time.Now()
	log.Info().Int("clients", opts.Clients).Int("ramp_rate", opts.RampRate).Str("url", opts.URL).Msg("ramping up")

	go periodicReports(ctx, log, opts, st, start)

	clients := rampUp(ctx, log, opts, st)
	log.Info().
		Int64("active", atomic.LoadInt64(&st.active)).
		Int64("failed", atomic.LoadInt64(&st.failed)).
		Msg("ramp-up finished")

	select {
	case <-time.After(opts.Duration):
	case <-ctx.Done():
		log.Warn().Msg("interrupted")
	}

	for _, c := range clients {
		c.close()
	}
	printReport(log, opts, st, start, nil)
}

func rampUp(ctx context.Context, log zerolog.Logger, opts options, st *stats) []*client {
	batchSize := opts.RampRate / 10
	if batchSize < 1 {
		batchSize = 1
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var (
		mu      sync.Mutex
		clients []*client
		n       int
	)
	for n < opts.Clients {
		select {
		case <-ctx.Done():
			return clients
		case <-ticker.C:
		}

		var wg sync.WaitGroup
		for i := 0; i < batchSize && n < opts.Clients; i++ {
			c := newClient(ctx, n, opts.Dwell, st)
			n++
			atomic.AddInt64(&st.created, 1)

			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.connect(opts.URL, opts.Timeout); err != nil {
					atomic.AddInt64(&st.failed, 1)
					log.Debug().Int("client", c.n).Err(err).Msg("connect failed")
					return
				}
				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
		wg.Wait()
	}
	return clients
}

func periodicReports(ctx context.Context, log zerolog.Logger, opts options, st *stats, start time.Time) {
	ticker := time.NewTicker(opts.Report)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var server *serverStats
			if opts.StatsURL != "" {
				s, err := fetchServerStats(ctx, opts.StatsURL)
				if err != nil {
					log.Warn().Err(err).Msg("stats poll failed")
				} else {
					server = s
				}
			}
			printReport(log, opts, st, start, server)
		}
	}
}

func fetchServerStats(ctx context.Context, url string) (*serverStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var s serverStats
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func printReport(log zerolog.Logger, opts options, st *stats, start time.Time, server *serverStats) {
	elapsed := time.Since(start).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	matched := atomic.LoadInt64(&st.matched)

	ev := log.Info().
		Str("elapsed", fmt.Sprintf("%.0fs", elapsed)).
		Int64("active", atomic.LoadInt64(&st.active)).
		Int64("created", atomic.LoadInt64(&st.created)).
		Int64("failed", atomic.LoadInt64(&st.failed)).
		Int("target", opts.Clients).
		Str("matched", formatNumber(matched)).
		Str("match_rate", fmt.Sprintf("%.1f/s", float64(matched)/elapsed)).
		Int64("skips", atomic.LoadInt64(&st.skips)).
		Int64("partner_gone", atomic.LoadInt64(&st.partnerGone)).
		Int64("offers", atomic.LoadInt64(&st.offers)).
		Int64("answers", atomic.LoadInt64(&st.answers)).
		Str("received", formatNumber(atomic.LoadInt64(&st.received))).
		Int64("errors", atomic.LoadInt64(&st.serverErrors))
	if server != nil {
		ev = ev.Int("server_connections", server.Connections).
			Int("server_waiting", server.Waiting).
			Int("server_pairs", server.Pairs)
	}
	ev.Msg("report")
}

func formatNumber(n int64) string {
	str := fmt.Sprintf("%d", n)
	if n < 1000 {
		return str
	}
	var b strings.Builder
	for i, ch := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(ch)
	}
	return b.String()
}
