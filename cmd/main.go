package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"pricefeed/internal/client"
	"pricefeed/internal/config"
	"pricefeed/internal/dispatch"
	"pricefeed/internal/server"
	"pricefeed/internal/stream"
)

const (
	colorReset  = "\033[0m"
	colorYellow = "\033[33m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorBold   = "\033[1m"
)

func main() {
	var configPath = flag.String("config", "", "Path to YAML config file")
	var symbolList = flag.String("symbols", "AAPL,MSFT,GOOG", "Comma-separated symbols to stream")
	var logInterval = flag.Duration("log-interval", 10*time.Second, "Interval for logging stream stats")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	symbols := splitSymbols(*symbolList)
	if len(symbols) == 0 {
		log.Fatal("No symbols configured")
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	log.Printf("Starting price feed monitor for %v", symbols)
	log.Printf("Feed endpoint: %s%s", cfg.Endpoint.Address(), cfg.Endpoint.Path)
	log.Printf("Log interval: %v", *logInterval)

	run(cfg, symbols, *logInterval, interrupt)
}

func splitSymbols(list string) []string {
	var out []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToUpper(s))
		}
	}
	return out
}

func run(cfg config.Config, symbols []string, logInterval time.Duration, interrupt chan os.Signal) {
	bus := dispatch.New()
	feed := client.New(cfg)
	svc := stream.New(feed, bus, cfg)

	// Alerts and spikes go to the console ahead of any other listener.
	bus.On(stream.EventAlert, func(ev dispatch.Event) {
		if a, ok := ev.Payload.(stream.Alert); ok {
			log.Printf("%s%sALERT%s %s: %s", colorBold, colorRed, colorReset, a.Symbol, a.Reason)
		}
	}, dispatch.Options{Priority: 10})
	bus.On(stream.EventSpike, func(ev dispatch.Event) {
		if u, ok := ev.Payload.(stream.Update); ok {
			log.Printf("%sSPIKE%s %s moved %.2f%% to %.4f", colorYellow, colorReset, u.Symbol, u.ChangePercent, u.Price)
		}
	}, dispatch.Options{Priority: 5})
	bus.On(stream.EventError, func(ev dispatch.Event) {
		log.Printf("Feed error: %v", ev.Payload)
	})

	srv := server.New(svc, feed, bus, cfg.Server.Port)
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	streamDone := make(chan error, 1)
	go func() {
		streamDone <- svc.Start(symbols, stream.Options{})
	}()

	ticker := time.NewTicker(logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			printStats(svc, feed)
		case err := <-streamDone:
			if err != nil {
				log.Fatalf("Stream ended: %v", err)
			}
			log.Println("Stream ended")
			return
		case <-interrupt:
			log.Println("Shutting down...")
			svc.Stop()
			<-streamDone
			log.Println("Feed closed. Goodbye!")
			return
		}
	}
}

func printStats(svc *stream.Service, feed *client.Client) {
	health := feed.Health()
	prices := svc.LastPrices()

	fmt.Println()
	fmt.Printf("%sFEED%s  state: %s │ messages: %d │ bytes: %d │ errors: %d │ reconnects: %d\n",
		colorBold, colorReset, feed.State(), health.MessageCount, health.ByteCount,
		health.ErrorCount, health.Reconnects)

	for sym, upd := range prices {
		color := colorYellow
		if upd.Change > 0 {
			color = colorGreen
		} else if upd.Change < 0 {
			color = colorRed
		}
		fmt.Printf("  %-8s %s%10.4f%s  %+.2f%%\n", sym, color, upd.Price, colorReset, upd.ChangePercent)
	}
}
