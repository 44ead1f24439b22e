package pipeline

import (
	"context"
	"time"

	"github.com/pion/rtp"
)

type delayed struct {
	at  time.Time
	pkt *rtp.Packet
}

// delayLine forwards packets a fixed delay after they were pushed.
type delayLine struct {
	delay time.Duration
	queue chan delayed
	now   func() time.Time
}

func newDelayLine(delay time.Duration, size int) *delayLine {
	return &delayLine{
		delay: delay,
		queue: make(chan delayed, size),
		now:   time.Now,
	}
}

// push never blocks, it reports false when the line is full.
func (l *delayLine) push(pkt *rtp.Packet) bool {
	select {
	case l.queue <- delayed{at: l.now().Add(l.delay), pkt: pkt}:
		return true
	default:
		return false
	}
}

func (l *delayLine) run(ctx context.Context, write func(*rtp.Packet) error) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-l.queue:
			if wait := d.at.Sub(l.now()); wait > 0 {
				timer.Reset(wait)
				select {
				case <-ctx.Done():
					return nil
				case <-timer.C:
				}
			}

			if err := write(d.pkt); err != nil {
				return err
			}
		}
	}
}
