package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

// maxPending bounds the receive buffer when the line never terminates.
const maxPending = 4096

var ErrNoData = errors.New("no data from hvac")

// HardwareChannel is the half-duplex request/reply link to the controller.
type HardwareChannel interface {
	Send(code HvacCode) error
	Read() Reply
	Query() Reply
}

type protocolStats struct {
	Writes   int64 `json:"writes"`   // lines written
	Reads    int64 `json:"reads"`    // non-empty lines received
	Acks     int64 `json:"acks"`     // integer replies
	Records  int64 `json:"records"`  // status records
	Empty    int64 `json:"empty"`    // reads that timed out with nothing
	Garbage  int64 `json:"garbage"`  // lines that were neither
	CrcErrs  int64 `json:"crcErrs"`  // lines with a bad checksum
	WrErrs   int64 `json:"wrErrs"`   // failed writes
	Ok1      int64 `json:"ok1"`      // commands confirmed on the first try
	OkN      int64 `json:"okN"`      // commands confirmed after retries
	Mismatch int64 `json:"mismatch"` // commands acknowledged with another code
	Exhaust  int64 `json:"exhaust"`  // commands never acknowledged
	OkMs     int64 `json:"okMs"`     // total ms spent on confirmed commands
	FailMs   int64 `json:"failMs"`   // total ms spent on unconfirmed commands
}

type HvacProtocol struct {
	device      string
	baud        int
	readTimeout time.Duration
	checksum    bool
	rlog        *respLogger

	port    io.ReadWriteCloser
	pending []byte

	statMu sync.Mutex
	stats  *protocolStats
}

func newHvacProtocol(cfg SerialConfig, rlog *respLogger) *HvacProtocol {
	return &HvacProtocol{
		device:      cfg.Device,
		baud:        cfg.Baud,
		readTimeout: cfg.ReadTimeout,
		checksum:    cfg.Checksum,
		rlog:        rlog,
		stats:       new(protocolStats),
	}
}

func (p *HvacProtocol) openSerial() error {
	log.Printf("opening serial interface: %s", p.device)
	if p.port != nil {
		p.port.Close()
	}

	c := &serial.Config{Name: p.device, Baud: p.baud, ReadTimeout: p.readTimeout}
	port, err := serial.OpenPort(c)
	if err != nil {
		p.port = nil
		return err
	}
	p.port = port
	p.pending = p.pending[:0]

	return nil
}

func (p *HvacProtocol) Open() error {
	return p.openSerial()
}

func (p *HvacProtocol) Close() error {
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

func (p *HvacProtocol) count(f func(s *protocolStats)) {
	p.statMu.Lock()
	f(p.stats)
	p.statMu.Unlock()
}

func (p *HvacProtocol) Send(code HvacCode) error {
	return p.writeCode(int(code))
}

func (p *HvacProtocol) writeCode(code int) error {
	// The port is closed after a failed read or write; reopen lazily.
	if p.port == nil {
		if err := p.openSerial(); err != nil {
			p.count(func(s *protocolStats) { s.WrErrs++ })
			return fmt.Errorf("reopening serial: %w", err)
		}
	}

	// A new request starts a new exchange; leftovers from the last one
	// would otherwise be taken as its reply.
	if len(p.pending) > 0 {
		log.Debugf("discarding stale input before write: %q", p.pending)
		p.rlog.LogS(fmt.Sprintf("DROP %q", p.pending))
		p.pending = p.pending[:0]
	}

	buf := encodeCode(code, p.checksum)
	p.rlog.LogS(fmt.Sprintf("TX %q", buf))
	if _, err := p.port.Write(buf); err != nil {
		log.Errorf("error writing to serial: %s", err.Error())
		p.count(func(s *protocolStats) { s.WrErrs++ })
		p.port.Close()
		p.port = nil
		return err
	}
	p.count(func(s *protocolStats) { s.Writes++ })
	return nil
}

// Read returns the next reply line, or a replyNone Reply when nothing usable
// arrives within the read timeout.
func (p *HvacProtocol) Read() Reply {
	line := p.readLine()
	if line == nil {
		p.count(func(s *protocolStats) { s.Empty++ })
		return Reply{}
	}
	p.rlog.LogS(fmt.Sprintf("RX %q", line))
	p.count(func(s *protocolStats) { s.Reads++ })

	payload, ok := decodeLine(line, p.checksum)
	if !ok {
		log.Debugf("dropping line with bad checksum: %q", line)
		p.count(func(s *protocolStats) { s.CrcErrs++ })
		return Reply{}
	}

	r := parseReply(payload)
	switch r.kind {
	case replyAck:
		p.count(func(s *protocolStats) { s.Acks++ })
	case replyRecord:
		p.count(func(s *protocolStats) { s.Records++ })
	default:
		log.Debugf("unrecognized reply from hvac: %q", payload)
		p.count(func(s *protocolStats) { s.Garbage++ })
	}
	return r
}

// Query asks for a status record. Anything other than a record, including a
// late acknowledgement, is reported as no data.
func (p *HvacProtocol) Query() Reply {
	if err := p.writeCode(queryCode); err != nil {
		return Reply{}
	}
	r := p.Read()
	if r.kind != replyRecord {
		return Reply{}
	}
	return r
}

func (p *HvacProtocol) readLine() []byte {
	if p.port == nil {
		return nil
	}

	buf := make([]byte, 256)
	deadline := time.Now().Add(p.readTimeout)

	for {
		if i := bytes.IndexByte(p.pending, '\n'); i >= 0 {
			line := make([]byte, i+1)
			copy(line, p.pending)
			p.pending = p.pending[:copy(p.pending, p.pending[i+1:])]
			return line
		}
		if time.Now().After(deadline) {
			return nil
		}

		n, err := p.port.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			log.Printf("error reading from serial port: %s", err.Error())
			p.port.Close()
			p.port = nil
			return nil
		}
		// tarm/serial reports an expired read timeout as zero bytes
		if n == 0 {
			return nil
		}

		p.pending = append(p.pending, buf[:n]...)
		if len(p.pending) > maxPending {
			log.Warnf("discarding %d bytes without a line ending", len(p.pending))
			p.pending = p.pending[:0]
		}
	}
}

func (p *HvacProtocol) recordConfirm(tries int, elapsed time.Duration, err error) {
	ms := elapsed.Milliseconds()
	p.count(func(s *protocolStats) {
		switch {
		case err == nil && tries == 1:
			s.Ok1++
			s.OkMs += ms
		case err == nil:
			s.OkN++
			s.OkMs += ms
		case errors.Is(err, errAckMismatch):
			s.Mismatch++
			s.FailMs += ms
		default:
			s.Exhaust++
			s.FailMs += ms
		}
	})
}

func (p *HvacProtocol) snapshotStats() protocolStats {
	p.statMu.Lock()
	defer p.statMu.Unlock()
	return *p.stats
}

func (p *HvacProtocol) getStatsString() string {
	p.statMu.Lock()
	ostats := p.stats
	p.stats = new(protocolStats)
	p.statMu.Unlock()

	// calculate avgs
	if ostats.Ok1 > 0 || ostats.OkN > 0 {
		ostats.OkMs = ostats.OkMs / (ostats.Ok1 + ostats.OkN)
	}

	if fails := ostats.Mismatch + ostats.Exhaust; fails > 0 {
		ostats.FailMs = ostats.FailMs / fails
	}

	return fmt.Sprintf("%+v", *ostats)
}
