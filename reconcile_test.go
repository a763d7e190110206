package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type published struct {
	topic   string
	payload string
}

type recordingPublisher struct {
	msgs []published
}

func (p *recordingPublisher) Publish(topic string, payload string) {
	p.msgs = append(p.msgs, published{topic, payload})
}

func (p *recordingPublisher) reset() { p.msgs = nil }

type loopFixture struct {
	ch   *fakeChannel
	bus  *recordingPublisher
	cmds chan Command
	sink *recordingSink
	loop *Reconciler
}

func newLoopFixture(initial ...Reply) *loopFixture {
	f := &loopFixture{
		ch:   &fakeChannel{queries: initial, echo: true},
		bus:  &recordingPublisher{},
		cmds: make(chan Command, 8),
		sink: &recordingSink{},
	}
	f.loop = newReconciler(f.ch, f.bus, f.cmds, 20*time.Millisecond)
	f.loop.setMetrics(f.sink)
	f.loop.start()
	return f
}

func (f *loopFixture) step(t *testing.T) {
	t.Helper()
	require.NoError(t, f.loop.step(context.Background()))
}

func TestStartLoadsStateFromHardware(t *testing.T) {
	f := newLoopFixture(recordReply(CodeHeatAux, "heating"))

	assert.Equal(t, snapshot{aux: true, mode: ModeHeat, code: CodeHeatAux, status: "heating"}, f.loop.last)
	assert.Empty(t, f.bus.msgs)
}

func TestStartWithoutHardwareStaysOffline(t *testing.T) {
	f := newLoopFixture()

	assert.Equal(t, snapshot{code: CodeOff, status: "Offline"}, f.loop.last)
}

func TestModeCommandConfirmsAndPublishes(t *testing.T) {
	f := newLoopFixture(recordReply(CodeOff, "idle"))
	f.cmds <- modeCommand(ModeHeat)

	f.step(t)

	assert.Equal(t, []HvacCode{CodeHeat}, f.ch.sends)
	assert.Equal(t, []published{
		{topicStateAux, "OFF"},
		{topicStateMode, "heat"},
		{topicStateStatus, `{"status":"idle"}`},
	}, f.bus.msgs)
	assert.Equal(t, 1, f.ch.queryCount, "no poll while a command is pending")
	assert.Equal(t, CodeHeat, f.loop.last.code)
}

func TestPollPublishesOnlyStatusChange(t *testing.T) {
	f := newLoopFixture(recordReply(CodeFanOnly, "running"), recordReply(CodeFanOnly, "idle"))

	f.step(t)

	assert.Equal(t, []published{{topicStateStatus, `{"status":"idle"}`}}, f.bus.msgs)
	assert.Empty(t, f.ch.sends)
	assert.Equal(t, "idle", f.loop.last.status)
}

func TestPollWithUnchangedStatusPublishesNothing(t *testing.T) {
	f := newLoopFixture(recordReply(CodeFanOnly, "idle"), recordReply(CodeFanOnly, "idle"))

	f.step(t)

	assert.Empty(t, f.bus.msgs)
}

func TestPollWithoutDataSkips(t *testing.T) {
	f := newLoopFixture(recordReply(CodeHeat, "heating"))
	before := f.loop.state

	f.step(t)

	assert.Empty(t, f.bus.msgs)
	assert.Equal(t, before, f.loop.state)
	assert.Equal(t, 2, f.ch.queryCount)
}

func TestPollWithInvalidCodeDiscardsRecord(t *testing.T) {
	f := newLoopFixture(recordReply(CodeHeat, "heating"), recordReply(HvacCode(7), "broken"))
	before := f.loop.state

	f.step(t)

	assert.Empty(t, f.bus.msgs)
	assert.Equal(t, before, f.loop.state)
	assert.Equal(t, "heating", f.loop.state.Status)
}

func TestPollWithoutStatusDiscardsRecord(t *testing.T) {
	f := newLoopFixture(recordReply(CodeFanOnly, "running"), parseReply([]byte(`{"mode":1}`)))
	before := f.loop.state

	f.step(t)

	assert.Empty(t, f.bus.msgs)
	assert.Equal(t, before, f.loop.state)
	assert.Equal(t, "running", f.loop.last.status)
}

func TestAuxOutsideHeatPublishesWithoutCommand(t *testing.T) {
	f := newLoopFixture(recordReply(CodeFanOnly, "fan"))
	f.cmds <- auxCommand(true)

	f.step(t)

	assert.Empty(t, f.ch.sends, "code 1 cannot express aux")
	assert.Equal(t, []published{
		{topicStateAux, "ON"},
		{topicStateMode, "fan_only"},
		{topicStateStatus, `{"status":"fan"}`},
	}, f.bus.msgs)

	f.bus.reset()
	f.cmds <- modeCommand(ModeHeat)
	f.step(t)

	assert.Equal(t, []HvacCode{CodeHeatAux}, f.ch.sends)
	assert.Equal(t, published{topicStateMode, "heat"}, f.bus.msgs[1])
}

func TestQueuedCommandsApplyInOrder(t *testing.T) {
	f := newLoopFixture(recordReply(CodeHeatAux, "heating"))
	f.cmds <- modeCommand(ModeOff)
	f.cmds <- auxCommand(false)
	f.cmds <- modeCommand(ModeHeat)

	f.step(t)

	assert.Equal(t, []HvacCode{CodeHeat}, f.ch.sends)
	assert.Equal(t, []published{
		{topicStateAux, "OFF"},
		{topicStateMode, "heat"},
		{topicStateStatus, `{"status":"heating"}`},
	}, f.bus.msgs)
}

func TestUnconfirmedCommandIsOptimistic(t *testing.T) {
	f := newLoopFixture(recordReply(CodeOff, "idle"))
	f.ch.echo = false
	f.cmds <- modeCommand(ModeFanOnly)

	f.step(t)

	assert.Len(t, f.ch.sends, confirmRetries)
	assert.Equal(t, CodeFanOnly, f.loop.last.code)
	assert.Len(t, f.bus.msgs, 3)
	require.Len(t, f.sink.commands, 1)
	assert.ErrorIs(t, f.sink.commands[0].err, ErrCommandUnconfirmed)
}

func TestHardwareModeChangeIsRepublishedNextTick(t *testing.T) {
	f := newLoopFixture(recordReply(CodeOff, "idle"), recordReply(CodeHeat, "heating"))

	f.step(t)
	assert.Equal(t, []published{{topicStateStatus, `{"status":"heating"}`}}, f.bus.msgs)

	f.bus.reset()
	f.step(t)
	assert.Equal(t, []HvacCode{CodeHeat}, f.ch.sends)
	assert.Equal(t, []published{
		{topicStateAux, "OFF"},
		{topicStateMode, "heat"},
		{topicStateStatus, `{"status":"heating"}`},
	}, f.bus.msgs)
}

func TestStateViewReachesCacheAndMetrics(t *testing.T) {
	f := newLoopFixture(recordReply(CodeOff, "idle"))
	cache := newCache(nil)
	f.loop.setCache(cache)
	f.cmds <- modeCommand(ModeHeat)

	f.step(t)

	want := StateView{Mode: "heat", Aux: "OFF", Status: "idle", Code: 2}
	assert.Equal(t, &want, cache.get("state"))
	require.NotEmpty(t, f.sink.states)
	assert.Equal(t, want, f.sink.states[len(f.sink.states)-1])
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ch := &fakeChannel{queries: []Reply{recordReply(CodeOff, "idle")}, echo: true}
	bus := &recordingPublisher{}
	cmds := make(chan Command)
	loop := newReconciler(ch, bus, cmds, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	cmds <- modeCommand(ModeFanOnly)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStatusPayload(t *testing.T) {
	assert.Equal(t, `{"status":"idle"}`, statusPayload("idle"))
	assert.Equal(t, `{"status":"say \"hi\""}`, statusPayload(`say "hi"`))
}
