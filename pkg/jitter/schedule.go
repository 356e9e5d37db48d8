package jitter

import (
	"time"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/audio"
)

// step runs one scheduling pass. Must be called with mu held.
//
// Chunks play in ascending seq order once they have been buffered for at
// least LeadTime. A gap in sequence numbers is skipped when the next buffered
// chunk is old enough. Each played chunk withholds its last CrossFade of audio
// so it can be mixed into the head of the following chunk; the withheld tail
// is flushed unmixed when nothing is ready to follow it.
func (b *Buffer) step(now time.Time) []Output {
	var outs []Output

	switch b.state {
	case Idle:
		if len(b.chunks) == 0 {
			if b.ended {
				outs = append(outs, b.drained())
			}
			return outs
		}
		if b.buffered < b.cfg.LeadTime && !b.ended {
			return outs
		}
		b.state = Playing
		b.cursor = time.Time{}
	case Paused:
		if len(b.chunks) == 0 && b.ended {
			return append(outs, b.drained())
		}
		if !b.ready(now) {
			return outs
		}
		b.state = Playing
		b.cursor = time.Time{}
		outs = append(outs, Output{Kind: Resumed, TurnID: b.turn, Gen: b.gen.Load()})
		b.log.Debug("playback resumed", "turn", b.turn, "buffered", b.buffered)
	}

	for {
		if !b.cursor.IsZero() && now.Before(b.cursor.Add(-b.cfg.Tick)) {
			break
		}
		if len(b.chunks) > 0 && now.Sub(b.chunks[0].arrived) >= b.cfg.LeadTime {
			outs = append(outs, b.play(now))
			continue
		}
		if len(b.tail) > 0 {
			outs = append(outs, b.flushTail(now))
			continue
		}
		// The cursor has run out with nothing playable: either the buffer is
		// empty or its head has not been held for LeadTime yet.
		if !b.cursor.IsZero() && !now.Before(b.cursor) {
			if b.ended && len(b.chunks) == 0 {
				outs = append(outs, b.drained())
			} else {
				b.state = Paused
				b.underruns++
				outs = append(outs, Output{Kind: Underrun, TurnID: b.turn, Gen: b.gen.Load()})
				b.log.Debug("playback underrun", "turn", b.turn, "next", b.nextSeq)
			}
		}
		break
	}
	return outs
}

// ready reports whether a paused buffer may resume at now. Playback restarts
// from now, so Start never points into the gap.
func (b *Buffer) ready(now time.Time) bool {
	if len(b.chunks) == 0 {
		return false
	}
	if b.buffered < b.cfg.LeadTime && !b.ended {
		return false
	}
	return now.Sub(b.chunks[0].arrived) >= b.cfg.LeadTime
}

func (b *Buffer) play(now time.Time) Output {
	bc := b.chunks[0]
	b.chunks = b.chunks[1:]
	b.buffered -= bc.chunk.Duration
	c := bc.chunk

	pcm := c.PCM
	var out []byte
	crossFaded := false
	if len(b.tail) > 0 {
		n := alignSample(min(len(b.tail), len(pcm)/2))
		out = append(out, b.tail[:len(b.tail)-n]...)
		if n > 0 {
			out = append(out, audio.CrossFade(b.tail[len(b.tail)-n:], pcm[:n])...)
			crossFaded = true
		}
		pcm = pcm[n:]
		b.tail = nil
	}

	last := b.ended && len(b.chunks) == 0
	if !last {
		x := alignSample(min(audio.BytesFor(b.cfg.CrossFade, b.cfg.SampleRate), len(c.PCM)/2, len(pcm)))
		b.tail = append([]byte(nil), pcm[len(pcm)-x:]...)
		b.tailSeq = c.Seq
		pcm = pcm[:len(pcm)-x]
	}
	out = append(out, pcm...)

	b.nextSeq = c.Seq + 1
	b.played++
	return b.emit(Output{Kind: Played, Seq: c.Seq, TurnID: c.TurnID, CrossFaded: crossFaded}, out, now)
}

func (b *Buffer) flushTail(now time.Time) Output {
	pcm := b.tail
	b.tail = nil
	return b.emit(Output{Kind: Played, Seq: b.tailSeq, TurnID: b.turn, Tail: true}, pcm, now)
}

func (b *Buffer) emit(o Output, pcm []byte, now time.Time) Output {
	start := b.cursor
	if start.IsZero() {
		start = now
	}
	o.Gen = b.gen.Load()
	o.PCM = b.gain.Apply(pcm)
	o.Start = start
	o.Duration = audio.Duration(len(o.PCM), b.cfg.SampleRate)
	b.cursor = start.Add(o.Duration)
	return o
}

func (b *Buffer) drained() Output {
	o := Output{Kind: Drained, TurnID: b.turn, Gen: b.gen.Load()}
	b.log.Debug("playback drained", "turn", b.turn, "played", b.played)
	b.reset()
	return o
}

func alignSample(n int) int {
	if n < 0 {
		return 0
	}
	return n - n%audio.BytesPerSample
}
