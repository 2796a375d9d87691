// Command stream_load opens many concurrent clients against the keeper's
// event stream (SSE or websocket) and reports connection and event counts.
// SSE clients reconnect with Last-Event-ID so resumption is exercised too.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type counters struct {
	connected   atomic.Int64
	reconnects  atomic.Int64
	connectErrs atomic.Int64
	streamErrs  atomic.Int64
	events      atomic.Int64
}

func main() {
	var (
		targetURL    string
		mode         string
		connections  int
		testDuration time.Duration
		rampUp       time.Duration
	)

	flag.StringVar(&targetURL, "url", "http://localhost:8080/events/stream", "event stream URL (ws:// for websocket mode)")
	flag.StringVar(&mode, "mode", "sse", "client type: sse or ws")
	flag.IntVar(&connections, "conns", 500, "number of concurrent clients")
	flag.DurationVar(&testDuration, "dur", time.Minute, "test duration (0 for until interrupted)")
	flag.DurationVar(&rampUp, "ramp", 0, "spread client starts across this window")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if connections <= 0 {
		logger.Fatal("invalid conns", zap.Int("conns", connections))
	}
	if mode != "sse" && mode != "ws" {
		logger.Fatal("invalid mode", zap.String("mode", mode))
	}
	if rampUp == 0 && connections > 100 {
		// 1 second per 500 clients
		rampUp = max(time.Duration(connections/500)*time.Second, time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if testDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, testDuration)
		defer cancel()
	}

	logger.Info("starting stream load",
		zap.String("url", targetURL),
		zap.String("mode", mode),
		zap.Int("conns", connections),
		zap.Duration("ramp", rampUp))

	client := &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     connections + 100,
			MaxIdleConns:        connections + 100,
			MaxIdleConnsPerHost: connections + 100,
			DisableCompression:  true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	var (
		c     counters
		wg    sync.WaitGroup
		start = time.Now()
	)

	var interval time.Duration
	if rampUp > 0 {
		interval = rampUp / time.Duration(connections)
	}

	go report(ctx, logger, &c, start)

	for i := 0; i < connections && ctx.Err() == nil; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				continue
			case <-time.After(interval):
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if mode == "ws" {
				runWebsocket(ctx, targetURL, &c)
				return
			}
			runSSE(ctx, client, targetURL, &c)
		}()
	}

	wg.Wait()

	elapsed := max(time.Since(start), time.Millisecond)
	fmt.Printf("done: connected=%d reconnects=%d connect_errs=%d stream_errs=%d events=%d elapsed=%s events/s=%.2f\n",
		c.connected.Load(), c.reconnects.Load(), c.connectErrs.Load(), c.streamErrs.Load(), c.events.Load(),
		elapsed.Truncate(time.Millisecond), float64(c.events.Load())/elapsed.Seconds())
}

// runSSE reads the stream until ctx ends, reconnecting from the last seen id.
func runSSE(ctx context.Context, client *http.Client, url string, c *counters) {
	lastID := ""
	first := true

	for ctx.Err() == nil {
		if !first {
			c.reconnects.Add(1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		first = false

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			c.connectErrs.Add(1)
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		if lastID != "" {
			req.Header.Set("Last-Event-ID", lastID)
		}

		resp, err := client.Do(req)
		if err != nil {
			c.connectErrs.Add(1)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			c.connectErrs.Add(1)
			_ = resp.Body.Close()
			continue
		}
		c.connected.Add(1)

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "id: "):
				lastID = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				c.events.Add(1)
			}
		}
		if ctx.Err() == nil {
			c.streamErrs.Add(1)
		}
		_ = resp.Body.Close()
	}
}

func runWebsocket(ctx context.Context, url string, c *counters) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		c.connectErrs.Add(1)
		return
	}
	c.connected.Add(1)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ctx.Err() == nil {
				c.streamErrs.Add(1)
			}
			return
		}
		c.events.Add(1)
	}
}

func report(ctx context.Context, l *zap.Logger, c *counters, start time.Time) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Info("status",
				zap.Int64("connected", c.connected.Load()),
				zap.Int64("reconnects", c.reconnects.Load()),
				zap.Int64("connect_errs", c.connectErrs.Load()),
				zap.Int64("stream_errs", c.streamErrs.Load()),
				zap.Int64("events", c.events.Load()),
				zap.Duration("elapsed", time.Since(start).Truncate(time.Second)))
		}
	}
}
