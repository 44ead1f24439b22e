package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func TestDelayLineOrderAndDelay(t *testing.T) {
	l := newDelayLine(30*time.Millisecond, 4)

	start := time.Now()
	for i := uint16(0); i < 3; i++ {
		require.True(t, l.push(&rtp.Packet{Header: rtp.Header{SequenceNumber: i}}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan uint16, 3)
	done := make(chan error, 1)
	go func() {
		done <- l.run(ctx, func(pkt *rtp.Packet) error {
			got <- pkt.SequenceNumber
			return nil
		})
	}()

	for i := uint16(0); i < 3; i++ {
		select {
		case seq := <-got:
			require.Equal(t, i, seq)
		case <-time.After(time.Second):
			t.Fatal("packet not forwarded")
		}
	}
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestDelayLineFull(t *testing.T) {
	l := newDelayLine(0, 1)
	require.True(t, l.push(&rtp.Packet{}))
	require.False(t, l.push(&rtp.Packet{}))
}

func TestDelayLineWriteError(t *testing.T) {
	l := newDelayLine(0, 1)
	l.push(&rtp.Packet{})

	errWrite := errors.New("closed")
	err := l.run(context.Background(), func(*rtp.Packet) error { return errWrite })
	require.ErrorIs(t, err, errWrite)
}
