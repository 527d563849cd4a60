// Command stockwatch tails live stock updates: it keeps a session channel to
// the push endpoint, folds events into a local stock cache and prints the
// display-facing transitions a storefront would surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/shopstream/config"
	"github.com/coachpo/shopstream/internal/cache"
	"github.com/coachpo/shopstream/internal/channel"
	"github.com/coachpo/shopstream/internal/observability"
	"github.com/coachpo/shopstream/internal/schema"
)

const defaultConfigPath = "config/config.yaml"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath = flag.String("config", defaultConfigPath, "Path to configuration file")
		apiBase = flag.String("api", "", "HTTP base URL used to seed the cache (derived from channel url when empty)")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, "stockwatch ", log.LstdFlags)
	observability.SetLogger(observability.NewStdLogger(logger, false))

	cfg, _, err := config.LoadOrDefault(*cfgPath)
	if err != nil {
		return err
	}

	var stockCache *cache.Cache
	stockCache = cache.New(cfg.Stock,
		cache.WithNotifier(func(n cache.Notification) {
			logger.Printf("ALERT %s: %s (%d left)", n.Status.Severity, productLabel(n.ProductName, n.ProductID), n.Quantity)
		}),
		cache.WithChangeListener(func(productID, quantity int64) {
			logger.Printf("stock product=%d quantity=%d status=%s", productID, quantity, stockCache.StatusFor(quantity).Label)
		}),
	)

	base := strings.TrimSpace(*apiBase)
	if base == "" {
		base = httpBaseFromChannelURL(cfg.Channel.URL)
	}
	if err := seedCache(ctx, base, stockCache); err != nil {
		// A cold cache still converges from the event stream.
		logger.Printf("seed cache: %v", err)
	}

	ch := channel.New(channel.Config{
		URL:           cfg.Channel.URL,
		RetryInterval: cfg.Channel.RetryInterval,
		DialTimeout:   cfg.Channel.DialTimeout,
		ReadLimit:     cfg.Channel.ReadLimit,
		OnStockUpdate: func(evt schema.StockChangedEvent) {
			stockCache.ApplyEvent(evt)
		},
		OnStateChange: func(s channel.State) {
			logger.Printf("channel %s", s)
		},
		OnTransportError: func(err error) {
			logger.Printf("connection lost, retrying: %v", err)
		},
	})
	ch.Connect()
	defer ch.Close()

	logger.Printf("watching %s", cfg.Channel.URL)
	<-ctx.Done()
	return nil
}

func httpBaseFromChannelURL(wsURL string) string {
	base := strings.TrimSuffix(wsURL, "/ws")
	base = strings.Replace(base, "wss://", "https://", 1)
	return strings.Replace(base, "ws://", "http://", 1)
}

func seedCache(ctx context.Context, base string, stockCache *cache.Cache) error {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, base+"/products", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("seed cache: unexpected status %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	var catalogue struct {
		Products []schema.Product `json:"products"`
	}
	if err := json.Unmarshal(payload, &catalogue); err != nil {
		return err
	}

	stockCache.Seed(catalogue.Products)
	return nil
}

func productLabel(name string, id int64) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return fmt.Sprintf("product %d", id)
}
