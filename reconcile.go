package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
)

type commandKind int

const (
	cmdAux commandKind = iota
	cmdMode
)

// Command is one decoded request from the bus or the HTTP API.
type Command struct {
	kind commandKind
	aux  bool
	mode Mode
}

func auxCommand(aux bool) Command   { return Command{kind: cmdAux, aux: aux} }
func modeCommand(mode Mode) Command { return Command{kind: cmdMode, mode: mode} }

func (c Command) apply(s HvacState) HvacState {
	if c.kind == cmdAux {
		return s.WithAux(c.aux)
	}
	return s.WithMode(c.mode)
}

func (c Command) String() string {
	if c.kind == cmdAux {
		return "aux=" + rawAuxToString(c.aux)
	}
	return "mode=" + rawModeToString(c.mode)
}

// Publisher sends one state topic. Topics are relative to the bus prefix.
type Publisher interface {
	Publish(topic string, payload string)
}

const (
	topicStateAux    = "state/aux"
	topicStateMode   = "state/mode"
	topicStateStatus = "state/status"
)

// StateView is the published form of the state, also served over HTTP.
type StateView struct {
	Mode   string `json:"mode"`
	Aux    string `json:"aux"`
	Status string `json:"status"`
	Code   int    `json:"code"`
}

// snapshot is what was last pushed to the controller and the bus.
type snapshot struct {
	aux    bool
	mode   Mode
	code   HvacCode
	status string
}

// Reconciler owns the HvacState. Commands arrive on cmds; everything else
// happens on the goroutine running Run.
type Reconciler struct {
	ch      HardwareChannel
	confirm *CommandConfirmer
	bus     Publisher
	cmds    <-chan Command
	slice   time.Duration
	cache   *Cache
	metrics metricsSink

	state HvacState
	last  snapshot
}

func newReconciler(ch HardwareChannel, bus Publisher, cmds <-chan Command, slice time.Duration) *Reconciler {
	return &Reconciler{
		ch:      ch,
		confirm: newCommandConfirmer(ch, nil),
		bus:     bus,
		cmds:    cmds,
		slice:   slice,
		metrics: nopSink{},
		state:   newHvacState(),
	}
}

func (r *Reconciler) setMetrics(m metricsSink) {
	r.metrics = m
	r.confirm.metrics = m
}

func (r *Reconciler) setCache(c *Cache) {
	r.cache = c
}

// Run loads the state from the controller and reconciles until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	r.start()
	for {
		if err := r.step(ctx); err != nil {
			return err
		}
	}
}

func (r *Reconciler) start() {
	if err := r.fetch(); err != nil {
		log.Warnf("initial hvac state unavailable: %s", err)
	}
	r.last = snapshot{
		aux:    r.state.EffectiveAux(),
		mode:   r.state.EffectiveMode(),
		code:   r.state.Code,
		status: r.state.Status,
	}
	log.Infof("hvac state: %s", r.state)
	r.updateCache()
}

// step runs one iteration. A pending command is pushed instead of polling,
// so a poll in the same tick cannot overwrite it with a stale read.
func (r *Reconciler) step(ctx context.Context) error {
	if err := r.serviceBus(ctx); err != nil {
		return err
	}

	aux, mode := r.state.EffectiveAux(), r.state.EffectiveMode()
	if aux != r.last.aux || mode != r.last.mode {
		if r.state.Code != r.last.code {
			// The outcome is logged and counted by the confirmer; the loop
			// carries on as if the controller took the command.
			_ = r.confirm.Confirm(r.state.Code)
		}
		r.last.aux, r.last.mode, r.last.code = aux, mode, r.state.Code

		log.Debug("publishing state")
		r.bus.Publish(topicStateAux, rawAuxToString(aux))
		r.bus.Publish(topicStateMode, rawModeToString(mode))
		r.bus.Publish(topicStateStatus, statusPayload(r.state.Status))
		r.updateCache()
		return nil
	}

	if err := r.fetch(); err != nil {
		if !errors.Is(err, ErrNoData) {
			log.Warnf("discarding hvac status: %s", err)
		}
		return nil
	}
	if r.state.Status != r.last.status {
		r.last.status = r.state.Status
		r.bus.Publish(topicStateStatus, statusPayload(r.state.Status))
		r.updateCache()
	}
	return nil
}

// serviceBus waits up to one slice for a command, then applies it and any
// others already queued.
func (r *Reconciler) serviceBus(ctx context.Context) error {
	timer := time.NewTimer(r.slice)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case cmd := <-r.cmds:
		r.applyCommand(cmd)
	}

	for {
		select {
		case cmd := <-r.cmds:
			r.applyCommand(cmd)
		default:
			return nil
		}
	}
}

func (r *Reconciler) applyCommand(cmd Command) {
	r.state = cmd.apply(r.state)
	log.Debugf("applied %s: %s", cmd, r.state)
}

// fetch queries the controller and folds the record into the state. An
// invalid code discards the whole record, status included.
func (r *Reconciler) fetch() error {
	reply := r.ch.Query()
	if reply.kind != replyRecord {
		return ErrNoData
	}
	log.Debugf("hvac status: %s", reply)

	s, err := r.state.ApplyHardwareCode(reply.record.Mode)
	if err != nil {
		return err
	}
	s.Status = reply.record.Status
	r.state = s
	return nil
}

func (r *Reconciler) view() StateView {
	return StateView{
		Mode:   rawModeToString(r.last.mode),
		Aux:    rawAuxToString(r.last.aux),
		Status: r.state.Status,
		Code:   int(r.last.code),
	}
}

func (r *Reconciler) updateCache() {
	v := r.view()
	r.metrics.recordState(v)
	if r.cache != nil {
		r.cache.update("state", &v)
	}
}

func statusPayload(status string) string {
	msg, _ := json.Marshal(struct {
		Status string `json:"status"`
	}{status})
	return string(msg)
}
