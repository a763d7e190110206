package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel scripts the controller. Reads and queries pop from their
// queues; an empty queue is no data. With echo set, every Read
// acknowledges the last code sent.
type fakeChannel struct {
	sends   []HvacCode
	reads   []Reply
	queries []Reply
	echo    bool
	sendErr error

	queryCount int
}

func ackReply(n int) Reply { return Reply{kind: replyAck, ack: n} }

func recordReply(code HvacCode, status string) Reply {
	return Reply{kind: replyRecord, record: StatusRecord{Mode: code, Status: status}}
}

func (f *fakeChannel) Send(code HvacCode) error {
	f.sends = append(f.sends, code)
	return f.sendErr
}

func (f *fakeChannel) Read() Reply {
	if f.echo && len(f.sends) > 0 {
		return ackReply(int(f.sends[len(f.sends)-1]))
	}
	if len(f.reads) == 0 {
		return Reply{}
	}
	r := f.reads[0]
	f.reads = f.reads[1:]
	return r
}

func (f *fakeChannel) Query() Reply {
	f.queryCount++
	if len(f.queries) == 0 {
		return Reply{}
	}
	r := f.queries[0]
	f.queries = f.queries[1:]
	return r
}

type commandRecord struct {
	code  HvacCode
	tries int
	err   error
}

type recordingSink struct {
	states   []StateView
	commands []commandRecord
}

func (s *recordingSink) recordState(v StateView) { s.states = append(s.states, v) }

func (s *recordingSink) recordCommand(code HvacCode, tries int, err error) {
	s.commands = append(s.commands, commandRecord{code, tries, err})
}

func TestConfirmFirstTry(t *testing.T) {
	ch := &fakeChannel{reads: []Reply{ackReply(2)}}
	sink := &recordingSink{}

	err := newCommandConfirmer(ch, sink).Confirm(CodeHeat)
	require.NoError(t, err)
	assert.Equal(t, []HvacCode{CodeHeat}, ch.sends)
	assert.Equal(t, []commandRecord{{CodeHeat, 1, nil}}, sink.commands)
}

func TestConfirmRetriesUntilIntegerReply(t *testing.T) {
	ch := &fakeChannel{reads: []Reply{{}, recordReply(CodeOff, "idle"), {}, ackReply(3)}}

	err := newCommandConfirmer(ch, nil).Confirm(CodeHeatAux)
	require.NoError(t, err)
	assert.Len(t, ch.sends, 4)
}

func TestConfirmGivesUpAfterBound(t *testing.T) {
	ch := &fakeChannel{}
	sink := &recordingSink{}

	err := newCommandConfirmer(ch, sink).Confirm(CodeFanOnly)
	require.ErrorIs(t, err, ErrCommandUnconfirmed)
	assert.ErrorIs(t, err, errAckMissing)
	assert.Len(t, ch.sends, confirmRetries)
	require.Len(t, sink.commands, 1)
	assert.Equal(t, 60, sink.commands[0].tries)
}

func TestConfirmStopsAtMismatch(t *testing.T) {
	ch := &fakeChannel{reads: []Reply{ackReply(1), ackReply(2)}}

	err := newCommandConfirmer(ch, nil).Confirm(CodeHeat)
	require.ErrorIs(t, err, ErrCommandUnconfirmed)
	assert.ErrorIs(t, err, errAckMismatch)
	assert.Len(t, ch.sends, 1)
}

func TestConfirmCountsSendFailuresAsAttempts(t *testing.T) {
	ch := &fakeChannel{sendErr: errors.New("port closed"), reads: []Reply{ackReply(2)}}

	err := newCommandConfirmer(ch, nil).Confirm(CodeHeat)
	require.ErrorIs(t, err, ErrCommandUnconfirmed)
	assert.Len(t, ch.sends, confirmRetries)
	assert.Len(t, ch.reads, 1, "nothing is read after a failed send")
}
