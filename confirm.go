package main

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// confirmRetries bounds the send/read attempts for one command. With the
// default 1s read timeout a silent controller stalls the loop for a minute.
const confirmRetries = 60

var (
	ErrCommandUnconfirmed = errors.New("command unconfirmed")
	errAckMismatch        = fmt.Errorf("%w: acknowledgement mismatch", ErrCommandUnconfirmed)
	errAckMissing         = fmt.Errorf("%w: no acknowledgement", ErrCommandUnconfirmed)
)

// confirmObserver is implemented by channels that keep confirmation stats.
type confirmObserver interface {
	recordConfirm(tries int, elapsed time.Duration, err error)
}

type CommandConfirmer struct {
	ch      HardwareChannel
	metrics metricsSink
	retries int
}

func newCommandConfirmer(ch HardwareChannel, metrics metricsSink) *CommandConfirmer {
	if metrics == nil {
		metrics = nopSink{}
	}
	return &CommandConfirmer{ch: ch, metrics: metrics, retries: confirmRetries}
}

// Confirm pushes code to the controller until an integer acknowledgement
// comes back. The first acknowledgement ends the exchange whatever its
// value. A nil error means the controller echoed code.
func (c *CommandConfirmer) Confirm(code HvacCode) error {
	stime := time.Now()
	tries, ack, valid := 0, 0, false

	for !valid && tries < c.retries {
		tries++
		if err := c.ch.Send(code); err != nil {
			log.Debugf("send %d failed: %s", code, err)
			continue
		}
		if r := c.ch.Read(); r.kind == replyAck {
			ack, valid = r.ack, true
		}
	}
	log.Debugf("tried %d times", tries)

	var err error
	switch {
	case !valid:
		err = fmt.Errorf("code %d after %d tries: %w", code, tries, errAckMissing)
		log.Errorf("no confirmation from hvac for mode number %d after %d tries", code, tries)
	case ack != int(code):
		err = fmt.Errorf("expected %d, got %d: %w", code, ack, errAckMismatch)
		log.Errorf("got wrong confirmation from hvac: expected %d, got %d", code, ack)
	default:
		log.Debugf("received mode number %d (%s) confirmation", code, rawCodeToString(code))
	}

	if o, ok := c.ch.(confirmObserver); ok {
		o.recordConfirm(tries, time.Since(stime), err)
	}
	c.metrics.recordCommand(code, tries, err)

	return err
}
