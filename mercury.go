package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// respLogger keeps a transcript of the serial link. A nil *respLogger
// discards everything.
type respLogger struct {
	f      *os.File
	basems int64
}

func openRespLogger(path string) (*respLogger, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening resp log file '%s': %w", path, err)
	}
	log.Debugf("Opened resp log file '%s'", path)
	return &respLogger{f: f, basems: time.Now().UnixMilli()}, nil
}

func (l *respLogger) Close() {
	if l == nil || l.f == nil {
		return
	}
	if err := l.f.Close(); err != nil {
		log.Warnf("Error on closing resp logger: %s", err)
	}
	l.f = nil
}

func (l *respLogger) LogS(s string) {
	if l == nil || l.f == nil {
		return
	}
	msd := time.Now().UnixMilli() - l.basems
	if _, err := fmt.Fprintf(l.f, "%08d %s\n", msd, s); err != nil {
		log.Error("resp logger write failed: ", err)
	}
}

func statsPoller(ctx context.Context, p *HvacProtocol, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Info("#STATS# ", p.getStatsString())
		}
	}
}

func setupLogging(cfg LoggingConfig, debug bool) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		log.Warnf("unknown log level %q, using info", cfg.Level)
		level = log.InfoLevel
	}
	if debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	httpPort := flag.Int("httpport", 0, "HTTP port to listen on (overrides config)")
	serialPort := flag.String("serial", "", "path to serial port (overrides config)")
	broker := flag.String("broker", "", "MQTT broker URL (overrides config)")
	doRespLog := flag.Bool("rlog", false, "enable resp log")
	doDebugLog := flag.Bool("debug", false, "enable debug log level")

	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
	if *httpPort != 0 {
		cfg.HTTP.Port = *httpPort
	}
	if len(*serialPort) > 0 {
		cfg.Serial.Device = *serialPort
	}
	if len(*broker) > 0 {
		cfg.MQTT.Broker = *broker
	}
	if *doRespLog && cfg.Serial.RespLog == "" {
		cfg.Serial.RespLog = "resplog"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %s\n", err)
		flag.PrintDefaults()
		os.Exit(1)
	}

	setupLogging(cfg.Logging, *doDebugLog)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rlog *respLogger
	if cfg.Serial.RespLog != "" {
		rlog, err = openRespLogger(cfg.Serial.RespLog)
		if err != nil {
			log.Fatalf("unable to open resp log file: %s", err)
		}
		defer rlog.Close()
	}

	hvac := newHvacProtocol(cfg.Serial, rlog)
	if err := hvac.Open(); err != nil {
		log.Panicf("error opening serial port: %s", err.Error())
	}
	defer hvac.Close()

	cmds := make(chan Command, 32)

	gateway := newMqttGateway(cfg.MQTT, cmds)
	if err := gateway.Connect(cfg.MQTT); err != nil {
		log.Fatalf("MQTT: %s", err)
	}
	defer gateway.Close()

	dispatcher := newEventDispatcher(gateway)
	go dispatcher.run()
	cache := newCache(dispatcher)

	loop := newReconciler(hvac, dispatcher, cmds, cfg.Loop.BusSlice)
	loop.setCache(cache)
	if cfg.InfluxDB.Enabled {
		sink := newInfluxSink(cfg.InfluxDB, cfg.MQTT.ClientID)
		defer sink.Close()
		loop.setMetrics(sink)
	}

	go statsPoller(ctx, hvac, cfg.Loop.StatsInterval)

	if cfg.HTTP.Enabled {
		ws := &webServer{cache: cache, dispatcher: dispatcher, protocol: hvac, cmds: cmds}
		go func() {
			if err := ws.run(cfg.HTTP.Port); err != nil {
				log.Errorf("http server stopped: %s", err)
			}
		}()
	}

	log.Info("starting hvac reconciliation loop")
	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		log.Errorf("reconciliation loop stopped: %s", err)
	}
	log.Info("shutting down")
}
