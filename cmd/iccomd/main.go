// Command iccomd runs one ICCom protocol engine against either a real
// serial link or an in-process loopback peer, publishing its statistics
// to Redis and serving them (plus a Prometheus /metrics endpoint) over
// HTTP. Wiring follows the teacher's cmd/bluetooth-service/main.go:
// package-level flag vars, sequential logged startup, best-effort
// non-fatal initialization, then block on a signal channel until told
// to shut down.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/iccomlink/iccom/pkg/diag"
	"github.com/iccomlink/iccom/pkg/iccom"
	"github.com/iccomlink/iccom/pkg/redis"
	"github.com/iccomlink/iccom/pkg/stats"
	"github.com/iccomlink/iccom/pkg/transport"
)

var (
	serialDevice = pflag.String("serial", "", "Serial device path (e.g. /dev/ttymxc1); empty runs an in-process loopback peer instead")
	baudRate     = pflag.Int("baud", 115200, "Serial baud rate")
	frameSize    = pflag.Int("frame-size", 64, "Fixed ICCom frame size in bytes")

	redisAddr = pflag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass = pflag.String("redis-pass", "", "Redis password")
	redisDB   = pflag.Int("redis-db", 0, "Redis database number")
	statsKey  = pflag.String("stats-key", "iccom:stats", "Redis hash key the stats publisher writes to")
	ctrlChan  = pflag.String("loopback-control-channel", "iccom:loopback-control", "Redis pub/sub channel accepting loopback remap commands")
	statsTick = pflag.Duration("stats-interval", 2*time.Second, "How often to publish a stats snapshot to Redis")

	httpAddr = pflag.String("http-addr", ":9477", "Address to serve /metrics and /diag on")

	logLevel = pflag.String("log-level", "info", "Log level: debug, info, warn, error")
)

func main() {
	pflag.Parse()

	log := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      time.StampMicro,
	})
	if lvl, err := charmlog.ParseLevel(*logLevel); err == nil {
		log.SetLevel(lvl)
	}
	charmlog.SetDefault(log)

	log.Info("starting iccomd", "frame_size", *frameSize, "http_addr", *httpAddr)

	reg := prometheus.NewRegistry()
	st := stats.New(reg)

	var t transport.Transport
	if *serialDevice == "" {
		log.Warn("no -serial device given, running against an in-process loopback peer")
		pair := transport.NewLoopbackPair()
		peer, err := iccom.New(pair.B(), *frameSize, stats.New(prometheus.NewRegistry()), log.With("side", "loopback-peer"))
		if err != nil {
			log.Fatal("construct loopback peer engine", "err", err)
		}
		if err := peer.Start(); err != nil {
			log.Fatal("start loopback peer engine", "err", err)
		}
		defer peer.Close()
		t = pair.A()
	} else {
		serialT, err := transport.OpenSerial(*serialDevice, *baudRate, log.With("component", "transport"))
		if err != nil {
			log.Fatal("open serial transport", "err", err)
		}
		t = serialT
	}

	engine, err := iccom.New(t, *frameSize, st, log.With("component", "engine"))
	if err != nil {
		log.Fatal("construct engine", "err", err)
	}
	if err := engine.Start(); err != nil {
		log.Fatal("start engine", "err", err)
	}
	log.Info("engine started")

	var publisher *diag.StatsPublisher
	var loopbackCtl *diag.LoopbackControl
	rdb, err := redis.New(*redisAddr, *redisPass, *redisDB)
	if err != nil {
		log.Warn("redis unavailable, diagnostics publishing and loopback control disabled", "err", err)
	} else {
		publisher = diag.NewStatsPublisher(rdb, st, *statsKey, *statsTick, log.With("component", "stats-publisher"))
		go publisher.Run()

		loopbackCtl = diag.NewLoopbackControl(rdb, *ctrlChan, engine, log.With("component", "loopback-control"))
		loopbackCtl.Start()
		log.Info("diagnostics publisher and loopback control listening", "redis_addr", *redisAddr)

		// Fall back to the loopback-control rules for any channel with no
		// more specific consumer: a message landing inside an active
		// rule's region gets rerouted to its mapped region before anyone
		// else observes it. Outside any rule's region, Resolve is the
		// identity, so nothing is reposted (no loop back onto itself) and
		// the callback declines the message, which the delivery worker
		// then discards.
		if err := engine.SetChannelCallback(iccom.AnyChannel, func(msg *iccom.Message, _ any) bool {
			if loopbackCtl.Resolve(msg.Channel) == msg.Channel {
				return false
			}
			if err := loopbackCtl.Deliver(msg.Channel, msg.Data(), msg.Priority); err != nil {
				log.Error("loopback redeliver failed", "channel", msg.Channel, "err", err)
			}
			return true
		}, nil); err != nil {
			log.Error("install loopback-control fallback callback", "err", err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/diag", func(w http.ResponseWriter, r *http.Request) {
		if err := st.WriteDiagnostic(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	httpServer := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("diagnostic http server stopped", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	_ = httpServer.Close()
	if loopbackCtl != nil {
		loopbackCtl.Stop()
	}
	if publisher != nil {
		publisher.Stop()
	}
	if err := engine.Close(); err != nil {
		log.Error("engine close", "err", err)
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	fmt.Fprintln(os.Stderr, "iccomd stopped")
}
