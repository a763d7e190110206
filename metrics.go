package main

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	log "github.com/sirupsen/logrus"
)

// metricsSink receives every published state and every command outcome.
type metricsSink interface {
	recordState(view StateView)
	recordCommand(code HvacCode, tries int, err error)
}

type nopSink struct{}

func (nopSink) recordState(StateView)              {}
func (nopSink) recordCommand(HvacCode, int, error) {}

// influxSink writes points through the non-blocking write API; the client
// batches and flushes them in the background.
type influxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	device   string
}

func newInfluxSink(cfg InfluxDBConfig, device string) *influxSink {
	opts := influxdb2.DefaultOptions().
		SetBatchSize(uint(cfg.BatchSize)).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds()))
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)
	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	go func() {
		for err := range writeAPI.Errors() {
			log.Warnf("influxdb write failed: %s", err)
		}
	}()

	log.Infof("writing metrics to influxdb %s (bucket %s)", cfg.URL, cfg.Bucket)
	return &influxSink{client: client, writeAPI: writeAPI, device: device}
}

func (s *influxSink) recordState(view StateView) {
	p := influxdb2.NewPoint("hvac_state",
		map[string]string{"device": s.device},
		map[string]interface{}{
			"code":   view.Code,
			"mode":   view.Mode,
			"aux":    view.Aux,
			"status": view.Status,
		},
		time.Now())
	s.writeAPI.WritePoint(p)
}

func (s *influxSink) recordCommand(code HvacCode, tries int, err error) {
	fields := map[string]interface{}{
		"code":      int(code),
		"tries":     tries,
		"confirmed": err == nil,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	p := influxdb2.NewPoint("hvac_command",
		map[string]string{"device": s.device},
		fields,
		time.Now())
	s.writeAPI.WritePoint(p)
}

func (s *influxSink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}
