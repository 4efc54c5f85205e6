package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vitocan-oss/e3-uds-adapter/pkg/canbus"
	"github.com/vitocan-oss/e3-uds-adapter/pkg/codec"
	"github.com/vitocan-oss/e3-uds-adapter/pkg/config"
	"github.com/vitocan-oss/e3-uds-adapter/pkg/didcatalog"
	"github.com/vitocan-oss/e3-uds-adapter/pkg/metrics"
	redisclient "github.com/vitocan-oss/e3-uds-adapter/pkg/redis"
	"github.com/vitocan-oss/e3-uds-adapter/pkg/session"
	"github.com/vitocan-oss/e3-uds-adapter/pkg/sink"
	"github.com/vitocan-oss/e3-uds-adapter/pkg/supervisor"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting e3-uds-adapter")

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	redisClient, err := redisclient.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Printf("Connected to Redis at %s", cfg.Redis.Addr)

	channel, err := buildChannel(cfg.CAN)
	if err != nil {
		log.Fatalf("Failed to open CAN channel: %v", err)
	}

	promMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	recorder := metrics.NewRecorder(promMetrics)

	codecs := codec.NewRegistry()
	sv := supervisor.New(channel)

	for _, dc := range cfg.Devices {
		catalog, err := didcatalog.Load(dc.CommonCatalog, dc.DeviceCatalog)
		if err != nil {
			log.Fatalf("device %s: load catalog: %v", dc.Name, err)
		}
		for _, did := range catalog.Dids() {
			d, _ := catalog.Lookup(did)
			if _, err := codecs.Lookup(d.CodecName); err != nil {
				log.Fatalf("device %s: did %04X: %v", dc.Name, did, err)
			}
		}
		log.Printf("device %s: catalog version %s, %d DIDs", dc.Name, catalog.Version(), len(catalog.Dids()))

		deviceSink := sink.New(redisClient, catalog, codecs, dc.Name)
		deviceSink.SetMetricsRecorder(recorder)
		if err := deviceSink.ReconcileCatalog(); err != nil {
			log.Printf("device %s: catalog reconcile: %v", dc.Name, err)
		}

		sess := sv.AddDevice(supervisor.DeviceConfig{
			TxID:        dc.TxID,
			TimeoutMs:   dc.TimeoutMs,
			StatePrefix: dc.Name,
		}, deviceSink)

		for _, sc := range dc.Schedules {
			sess.AddSchedule(sc.PeriodSec, sc.Dids)
		}
		sess.SetStatsPublishInterval(time.Duration(cfg.StatsPublishIntervalMs) * time.Millisecond)
		sess.SetOpMode(session.Normal)
	}

	if err := sv.Start(); err != nil {
		log.Fatalf("Failed to start supervisor: %v", err)
	}
	log.Printf("Supervisor started with %d device session(s)", len(cfg.Devices))

	commandStopCh := make(chan struct{})
	go sv.WatchCommands(redisClient, commandStopCh)

	if cfg.MetricsAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
		log.Printf("Metrics exposed at %s/metrics", cfg.MetricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("Shutting down...")
	close(commandStopCh)
	sv.Stop()
}

func buildChannel(cfg config.CANConfig) (canbus.Channel, error) {
	switch cfg.Transport {
	case "socketcan":
		return canbus.NewSocketCAN(cfg.Interface)
	case "slcan":
		return canbus.NewSLCAN(cfg.SerialDevice, cfg.SerialBitrate)
	default:
		return nil, fmt.Errorf("unknown can transport %q", cfg.Transport)
	}
}
