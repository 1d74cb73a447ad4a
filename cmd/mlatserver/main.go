/*------------------------------------------------------------------------------
* mlatserver : console server binary (spec section 6, external interfaces)
*
* the flag-driven startup, options-file load, and signal-to-shutdown wiring
* follows app/rtkrcv's main(): parse flags, load a config file over
* defaults, install a signal handler that cancels the run, then block until
* shutdown.
*-----------------------------------------------------------------------------*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mlat "github.com/mutability/mlat-server"
)

func main() {
	var (
		configPath string
		metricsAddr string
	)
	flag.StringVar(&configPath, "config", "", "path to a YAML config file overriding defaults")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9090", "listen address for the /metrics endpoint")
	flag.Parse()

	cfg := mlat.DefaultConfig()
	if configPath != "" {
		loaded, err := mlat.LoadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mlatserver: loading %s: %v\n", configPath, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	metrics := mlat.NewMetrics()
	registry := prometheus.NewRegistry()
	for _, c := range metrics.Collectors() {
		registry.MustRegister(c)
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			mlat.Log.Warn().Err(err).Msg("metrics listener stopped")
		}
	}()

	decoder := &passthroughDecoder{}
	dispatcher := mlat.NewJSONLineDispatcher(os.Stdout)
	server := mlat.NewServer(cfg, decoder, dispatcher, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		mlat.Log.Info().Msg("shutdown signal received")
		cancel()
	}()

	mlat.Log.Info().Str("metrics_addr", metricsAddr).Msg("mlatserver starting")
	server.Run(ctx)
	mlat.Log.Info().Msg("mlatserver stopped")
	_ = server.Registry() // receiver connect/disconnect handshake is wired by the transport layer, out of scope here (spec section 6)
}

// passthroughDecoder extracts the downlink format of any Mode S reply and,
// for DF11/17/18 only, the ICAO address carried in bytes 1-3, the portion
// that needs no external library; other formats report address 0. Full DF17 position decoding (CPR resolution) and
// altitude-field parsing are the external reference decoder's job per spec
// section 6; until one is wired in, DecodeADSB always reports no position.
type passthroughDecoder struct{}

func (passthroughDecoder) DecodeModeS(msg []byte) (df int, icao mlat.ICAO24, altitudeM float64, hasAltitude bool) {
	if len(msg) == 0 {
		return 0, 0, 0, false
	}
	df = int(msg[0] >> 3)
	if len(msg) >= 4 && (df == 17 || df == 18 || df == 11) {
		icao = mlat.ICAO24(uint32(msg[1])<<16 | uint32(msg[2])<<8 | uint32(msg[3]))
	}
	return df, icao, 0, false
}

func (passthroughDecoder) DecodeADSB(msg []byte) (icao mlat.ICAO24, pos mlat.DF17Position, ok bool) {
	return 0, mlat.DF17Position{}, false
}
