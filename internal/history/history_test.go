package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	got    []Event
	err    error
	closed bool
}

func (c *captureSink) Send(_ context.Context, e Event) error {
	c.got = append(c.got, e)
	return c.err
}

func (c *captureSink) Close() error { c.closed = true; return nil }

func TestMultiFansOut(t *testing.T) {
	a, b := &captureSink{}, &captureSink{}
	m := NewMulti(nil, a, b)
	e := Event{Type: EventRaised, OccurredAt: time.Now().UTC(), Record: Record{Source: "gui", EventID: 500010001, EventKey: 1}}

	require.NoError(t, m.Send(context.Background(), e))
	assert.Equal(t, []Event{e}, a.got)
	assert.Equal(t, []Event{e}, b.got)
	assert.Equal(t, 2, m.Len())
}

func TestMultiKeepsGoingOnFailure(t *testing.T) {
	boom := errors.New("boom")
	bad, good := &captureSink{err: boom}, &captureSink{}
	m := NewMulti(nil, bad, good)

	err := m.Send(context.Background(), Event{Type: EventTransition})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, good.got, 1)
}

func TestMultiClose(t *testing.T) {
	a := &captureSink{}
	m := NewMulti(nil, a)
	require.NoError(t, m.Close())
	assert.True(t, a.closed)
}
