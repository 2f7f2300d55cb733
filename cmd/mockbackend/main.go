// Package main provides a mock callable-function backend for exercising the
// client sidecar locally. It serves the diary and product operations from
// memory and can inject latency and failures to drive retries, breakers and
// the degradation ladder.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

func main() {
	port := flag.Int("port", 5001, "port to listen on")
	failRate := flag.Float64("fail-rate", 0, "fraction of calls answered with UNAVAILABLE (0..1)")
	latency := flag.Duration("latency", 0, "delay added to every call")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	b := newBackend(*failRate, *latency, logger)

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("mock backend listening", "addr", addr, "fail_rate", *failRate, "latency", *latency)
	srv := &http.Server{Addr: addr, Handler: b, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
