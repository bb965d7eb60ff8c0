// Package speech turns a connection's VAD-annotated frame stream into
// discrete utterances.
//
// The [Aggregator] is a state machine over one connection's frames: speech
// frames open and extend a session, silence markers close it, and duration
// bounds keep every emitted utterance between the minimum and the maximum.
// The caller supplies the clock, so the machine is deterministic under test.
// It is not safe for concurrent use; each connection owns one instance fed
// from its single reader task.
package speech

import (
	"fmt"
	"time"

	"github.com/echolens-ai/echolens/pkg/audio"
	"github.com/echolens-ai/echolens/pkg/types"
)

// Default session bounds.
const (
	DefaultMinSpeech  = 500 * time.Millisecond
	DefaultMaxSpeech  = 30 * time.Second
	DefaultSampleRate = 16000
)

// Silence notices are rate-limited to one per silenceNoticeEvery and stop
// entirely once silence has lasted silenceSuppressAfter, until the next
// speech frame.
const (
	silenceNoticeEvery   = 2 * time.Second
	silenceSuppressAfter = 5 * time.Second
)

// Config configures an [Aggregator].
type Config struct {
	// ConnID identifies the owning connection; it prefixes utterance ids.
	ConnID string

	// MinDuration discards sessions shorter than this.
	// Defaults to [DefaultMinSpeech] if zero or negative.
	MinDuration time.Duration

	// MaxDuration force-closes sessions at this length.
	// Defaults to [DefaultMaxSpeech] if zero or negative.
	MaxDuration time.Duration

	// SampleRate of the frames fed in. The transport resamples frames to
	// this rate before feeding. Defaults to [DefaultSampleRate].
	SampleRate int
}

// Output is what one frame produced. At most one utterance completes per
// frame; a forced closure may additionally open the follow-up session that
// holds the overflow samples, reported via Started.
type Output struct {
	// Started is true when this frame opened a new session.
	Started bool

	// Completed is the utterance closed by this frame, if any. Its duration
	// is within the configured bounds.
	Completed *types.Utterance

	// DiscardedShort is true when a session closed under the minimum
	// duration and was dropped. No client-visible event corresponds to it.
	DiscardedShort bool

	// Inactive is true when a rate-limited silence notice should be sent.
	Inactive bool
}

// Aggregator accumulates speech frames for one connection.
type Aggregator struct {
	cfg Config

	seq  uint64
	open *types.Utterance

	silenceSince time.Time
	lastNotice   time.Time
}

// New creates an [Aggregator] in the idle state.
func New(cfg Config) *Aggregator {
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = DefaultMinSpeech
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxSpeech
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	return &Aggregator{cfg: cfg}
}

// Feed advances the state machine by one frame. now is the frame's arrival
// time.
func (a *Aggregator) Feed(frame types.Frame, now time.Time) Output {
	var out Output

	switch {
	case frame.VAD.IsSpeaking:
		a.silenceSince = time.Time{}
		if a.open == nil {
			a.openSession(now)
			out.Started = true
		}
		a.append(frame)
		a.open.LastSpeech = now
		a.closeIfOverMax(now, &out)

	case len(frame.Samples) > 0:
		// Pre-accumulated utterance: the client ran its own VAD and ships
		// the whole buffer under a silence verdict. It completes atomically,
		// folding into the open session if one exists.
		if a.open == nil {
			a.openSession(now)
		}
		a.append(frame)
		a.open.LastSpeech = now
		a.finish(&out)

	case a.open != nil:
		if frame.Screen != nil {
			a.open.Screen = frame.Screen
		}
		a.finish(&out)
		a.silenceSince = now

	default:
		if a.silenceSince.IsZero() {
			a.silenceSince = now
		}
		if now.Sub(a.silenceSince) < silenceSuppressAfter && now.Sub(a.lastNotice) >= silenceNoticeEvery {
			out.Inactive = true
			a.lastNotice = now
		}
	}

	return out
}

// Abort drops the open session without emitting it, returning it for
// diagnostics. Used when the connection ends or the assistant is stopped
// mid-capture.
func (a *Aggregator) Abort() *types.Utterance {
	u := a.open
	a.open = nil
	a.silenceSince = time.Time{}
	return u
}

// Capturing reports whether a session is open.
func (a *Aggregator) Capturing() bool {
	return a.open != nil
}

func (a *Aggregator) openSession(now time.Time) {
	a.seq++
	a.open = &types.Utterance{
		ID:         fmt.Sprintf("%s-%d", a.cfg.ConnID, a.seq),
		Seq:        a.seq,
		ConnID:     a.cfg.ConnID,
		SampleRate: a.cfg.SampleRate,
		Start:      now,
		LastSpeech: now,
	}
}

func (a *Aggregator) append(frame types.Frame) {
	a.open.Samples = append(a.open.Samples, frame.Samples...)
	if frame.Screen != nil {
		a.open.Screen = frame.Screen
	}
}

// finish closes the open session: clamped to the maximum duration, then
// emitted if it meets the minimum, discarded otherwise.
func (a *Aggregator) finish(out *Output) {
	u := a.open
	a.open = nil

	maxSamples := audio.SamplesFor(a.cfg.MaxDuration, u.SampleRate)
	if len(u.Samples) > maxSamples {
		u.Samples = u.Samples[:maxSamples:maxSamples]
	}
	if u.Duration() < a.cfg.MinDuration {
		out.DiscardedShort = true
		return
	}
	out.Completed = u
}

// closeIfOverMax force-closes the open session once it holds the maximum
// duration of audio. The cut lands exactly on the boundary; overflow samples
// from the triggering frame seed a fresh session so no speech is lost.
func (a *Aggregator) closeIfOverMax(now time.Time, out *Output) {
	maxSamples := audio.SamplesFor(a.cfg.MaxDuration, a.cfg.SampleRate)
	if len(a.open.Samples) < maxSamples {
		return
	}

	u := a.open
	a.open = nil
	remainder := u.Samples[maxSamples:]
	u.Samples = u.Samples[:maxSamples:maxSamples]
	out.Completed = u

	if len(remainder) > 0 {
		a.openSession(now)
		a.open.Samples = append(a.open.Samples, remainder...)
		out.Started = true
	}
}
