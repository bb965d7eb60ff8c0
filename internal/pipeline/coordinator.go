// Package pipeline drives completed speech sessions through transcription,
// response generation, and speech synthesis for one connection.
//
// The [Coordinator] owns the per-connection job loop: at most one session is
// processed at a time, a newer session preempts a job that has not yet
// committed its answer text, and a job past that point runs to completion
// while the newest session waits in a depth-one slot. The coordinator also
// brokers screen captures between the model and the client: a capture can be
// fetched ahead of the first model call when the transcription looks
// screen-bound, or on demand when the model marks its reply with the capture
// sentinel.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/echolens-ai/echolens/internal/memory"
	"github.com/echolens-ai/echolens/internal/observe"
	"github.com/echolens-ai/echolens/internal/protocol"
	"github.com/echolens-ai/echolens/internal/screen"
	"github.com/echolens-ai/echolens/pkg/fault"
	"github.com/echolens-ai/echolens/pkg/provider/llm"
	"github.com/echolens-ai/echolens/pkg/provider/stt"
	"github.com/echolens-ai/echolens/pkg/provider/tts"
	"github.com/echolens-ai/echolens/pkg/types"
)

// DefaultCaptureWait bounds how long a job waits for the client to answer a
// screen-capture request before proceeding without the image.
const DefaultCaptureWait = 5 * time.Second

// reasonModelRequest is the capture-request reason used when the model
// itself asked for the screen, as opposed to the text heuristic.
const reasonModelRequest = "model_request"

// Sink receives outbound events produced by the coordinator. The
// connection's outbound queue implements it; Send must not block.
type Sink interface {
	Send(ev protocol.Event)
}

// Config assembles a [Coordinator]. STT, LLM, Memory, and Sink are required;
// TTS may be nil to disable synthesis, in which case turns commit after the
// text stage and no audio event is emitted.
type Config struct {
	// ConnID identifies the owning connection in logs.
	ConnID string

	// STT transcribes utterance audio. Wrap with the resilience guard.
	STT stt.Provider

	// LLM produces responses and is also consulted for re-invocation after
	// a screen capture arrives.
	LLM llm.Provider

	// TTS synthesises the response. Nil skips the synthesis stage.
	TTS tts.Provider

	// Memory is the connection's conversation record.
	Memory *memory.Conversation

	// Sink receives every outbound event the coordinator produces.
	Sink Sink

	// Detector scores transcriptions for screen intent ahead of the first
	// model call. Nil disables the pre-fetch heuristic; the model sentinel
	// still works.
	Detector *screen.Detector

	// Voice is the synthesis voice preset.
	Voice string

	// SystemPrompt overrides the model's default prompt when non-empty.
	SystemPrompt string

	// CaptureWait bounds the screen-capture await. Defaults to
	// [DefaultCaptureWait] if zero or negative.
	CaptureWait time.Duration

	// Metrics receives stage latencies and outcome counters. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Coordinator runs the utterance pipeline for one connection.
//
// Submit hands over completed sessions; Close cancels everything and waits
// for the in-flight job to unwind. All methods are safe for concurrent use.
type Coordinator struct {
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight *job
	shareOn  bool
	// next holds the newest session waiting behind a committed job.
	next *types.Utterance
	// capture is non-nil while a capture await is outstanding.
	capture chan *types.ScreenImage

	// wg tracks job goroutines so Close (and tests) can synchronise with
	// the end of the pipeline.
	wg sync.WaitGroup
}

// job is one submitted session moving through the stages.
type job struct {
	u      types.Utterance
	ctx    context.Context
	cancel context.CancelFunc

	// Guarded by Coordinator.mu.
	committed  bool // answer text emitted; preemption queues instead of cancelling
	superseded bool // preempted; the job emits nothing further
}

// New constructs a Coordinator. It does not start any goroutine until the
// first [Coordinator.Submit].
func New(cfg Config) *Coordinator {
	if cfg.CaptureWait <= 0 {
		cfg.CaptureWait = DefaultCaptureWait
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:    cfg,
		log:    slog.With("conn", cfg.ConnID),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit hands a completed session to the pipeline, applying the preemption
// policy:
//
//   - idle: the session starts immediately.
//   - in-flight and not yet committed: the stale job is cancelled and emits
//     nothing further; the new session starts as soon as it unwinds.
//   - in-flight and committed: the running job finishes; the new session
//     waits in the depth-one slot, displacing (and dropping) any session
//     already waiting there.
//
// Submit never blocks on the pipeline stages.
func (c *Coordinator) Submit(u types.Utterance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return
	}

	if c.inflight == nil {
		c.startLocked(u)
		return
	}

	if !c.inflight.committed {
		stale := c.inflight
		stale.superseded = true
		stale.cancel()
		c.log.Info("session preempts uncommitted job",
			"stale", stale.u.ID, "session", u.ID)
		c.cfg.Metrics.RecordPipelineOutcome(c.ctx, "preempted")
		c.dropNextLocked(u.ID)
		c.next = &u
		return
	}

	c.dropNextLocked(u.ID)
	c.log.Debug("session queued behind committed job",
		"running", c.inflight.u.ID, "session", u.ID)
	c.next = &u
}

// dropNextLocked discards the waiting session, if any, in favour of a newer
// arrival. Must be called with c.mu held.
func (c *Coordinator) dropNextLocked(newerID string) {
	if c.next == nil {
		return
	}
	c.log.Warn("queued session dropped for newer arrival",
		"dropped", c.next.ID, "session", newerID)
	c.cfg.Metrics.RecordPipelineOutcome(c.ctx, "dropped_queued")
	c.next = nil
}

// startLocked launches the job goroutine for u. Must be called with c.mu
// held.
func (c *Coordinator) startLocked(u types.Utterance) {
	jctx, jcancel := context.WithCancel(c.ctx)
	j := &job{u: u, ctx: jctx, cancel: jcancel}
	c.inflight = j
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.finish(j)
		c.process(j)
	}()
}

// finish clears the in-flight slot and starts the waiting session, if any.
// It runs before the job goroutine's WaitGroup release so Close and Wait
// cannot observe a gap between one job ending and its successor starting.
func (c *Coordinator) finish(j *job) {
	j.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight == j {
		c.inflight = nil
	}
	if c.next != nil && c.ctx.Err() == nil {
		u := *c.next
		c.next = nil
		c.startLocked(u)
	}
}

// SetScreenShare records the client's screen-share state. Capture requests
// are only issued while a share is active.
func (c *Coordinator) SetScreenShare(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shareOn = on
}

// shareActive reports whether the client currently shares its screen.
func (c *Coordinator) shareActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shareOn
}

// DeliverCapture resolves the outstanding screen-capture await with img.
// It reports whether a job was waiting; an unsolicited capture is not
// consumed and the caller decides what to do with it.
func (c *Coordinator) DeliverCapture(img *types.ScreenImage) bool {
	c.mu.Lock()
	ch := c.capture
	c.capture = nil
	c.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- img
	return true
}

// Close cancels the in-flight job and the waiting slot and blocks until the
// job goroutine has unwound. Safe to call multiple times.
func (c *Coordinator) Close() {
	c.cancel()
	c.mu.Lock()
	c.next = nil
	c.mu.Unlock()
	c.wg.Wait()
}

// Wait blocks until no job goroutine is running. Primarily useful in tests
// to synchronise before inspecting the sink.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// process drives one session through the stages. Every return path either
// emitted its terminal event or decided to stay silent (cancellation, empty
// transcription).
func (c *Coordinator) process(j *job) {
	start := time.Now()
	ctx, span := observe.StartSpan(j.ctx, "pipeline.utterance",
		trace.WithAttributes(
			attribute.String("session", j.u.ID),
			attribute.Float64("speech_seconds", j.u.Duration().Seconds()),
		))
	defer span.End()

	log := c.log.With("session", j.u.ID)
	c.cfg.Metrics.InflightJobs.Add(ctx, 1)
	defer c.cfg.Metrics.InflightJobs.Add(ctx, -1)

	// Transcription stage.
	sres, err := c.cfg.STT.Transcribe(ctx, stt.Request{
		Samples:    j.u.Samples,
		SampleRate: j.u.SampleRate,
	})
	if err != nil {
		c.stageFailed(ctx, j, log, "stt", protocol.ErrSTTFailed,
			"Audio processing error", err)
		return
	}
	text := strings.TrimSpace(sres.Text)
	if text == "" {
		log.Info("transcription empty, dropping session",
			"speech_seconds", j.u.Duration().Seconds())
		c.cfg.Metrics.RecordPipelineOutcome(ctx, "empty_transcription")
		return
	}
	tev := protocol.Transcription(text, j.u.ID, sres.Confidence, sres.ProcessingTime)
	if !c.emit(j, tev) {
		return
	}
	c.cfg.Metrics.STTDuration.Record(ctx, sres.ProcessingTime.Seconds())
	log.Info("transcription complete", "chars", len(text),
		"confidence", sres.Confidence, "took", sres.ProcessingTime)

	// Screen context: a capture carried with the session wins; otherwise
	// the heuristic may fetch one ahead of the first model call.
	img := j.u.Screen
	if img != nil {
		c.cfg.Metrics.RecordScreenCapture(ctx, "carried")
	} else {
		img = c.prefetchScreen(ctx, j, log, text, tev.Timestamp)
	}

	// Response stage, including the sentinel round-trip.
	snap := c.cfg.Memory.Snapshot(ctx)
	lres, err := c.respond(ctx, j, log, text, snap, img, tev.Timestamp)
	if err != nil {
		if fault.IsKind(err, fault.ScreenUnavailable) && j.ctx.Err() == nil {
			log.Warn("screen capture unavailable and answer needs it", "error", err)
			c.emit(j, protocol.ErrorEvent(protocol.ErrScreenUnavailable,
				"Screen capture unavailable"))
			c.cfg.Metrics.RecordPipelineOutcome(ctx, "screen_unavailable")
			return
		}
		c.stageFailed(ctx, j, log, "llm", protocol.ErrLLMFailed,
			"AI processing error", err)
		return
	}
	finalText := strings.TrimSpace(lres.Text)
	if finalText == "" {
		c.stageFailed(ctx, j, log, "llm", protocol.ErrLLMFailed,
			"AI processing error",
			fault.New(fault.UpstreamRejected, "model returned an empty completion"))
		return
	}

	if !c.commitText(j, protocol.AIResponse(finalText, j.u.ID, lres.ScreenSummary, lres.ProcessingTime)) {
		return
	}
	c.cfg.Metrics.LLMDuration.Record(ctx, lres.ProcessingTime.Seconds())
	log.Info("response committed", "chars", len(finalText),
		"screen_context", lres.ScreenSummary != "", "took", lres.ProcessingTime)

	// Synthesis stage. The turn commits regardless of the outcome here:
	// the answer text already reached the client.
	if c.cfg.TTS == nil {
		c.cfg.Memory.Append(text, finalText, lres.ScreenSummary)
		c.cfg.Metrics.RecordPipelineOutcome(ctx, "completed_text")
		c.cfg.Metrics.PipelineDuration.Record(ctx, time.Since(start).Seconds())
		log.Debug("synthesis disabled, turn committed text-only")
		return
	}
	tres, err := c.cfg.TTS.Synthesize(ctx, tts.Request{Text: finalText, Voice: c.cfg.Voice})
	if err != nil {
		c.cfg.Memory.Append(text, finalText, lres.ScreenSummary)
		if j.ctx.Err() != nil {
			c.cfg.Metrics.RecordPipelineOutcome(ctx, "cancelled")
			return
		}
		kind := fault.KindOf(err)
		log.Error("synthesis failed, turn committed without audio",
			"kind", kind, "error", err)
		c.emit(j, protocol.ErrorEvent(protocol.ErrTTSFailed,
			fmt.Sprintf("TTS processing error: %s", kind)))
		c.cfg.Metrics.RecordPipelineOutcome(ctx, "tts_failed")
		return
	}
	c.emit(j, protocol.AudioResponse(tres.Samples, tres.SampleRate, finalText, j.u.ID, tres.ProcessingTime))
	c.cfg.Memory.Append(text, finalText, lres.ScreenSummary)
	c.cfg.Metrics.TTSDuration.Record(ctx, tres.ProcessingTime.Seconds())
	c.cfg.Metrics.RecordPipelineOutcome(ctx, "completed")
	c.cfg.Metrics.PipelineDuration.Record(ctx, time.Since(start).Seconds())
	log.Info("session complete", "audio_seconds", tres.Duration.Seconds(),
		"total", time.Since(start))
}

// respond runs the model stage: one call, and at most one re-invocation when
// the model requests the screen. The final text is already stripped of the
// capture sentinel.
func (c *Coordinator) respond(ctx context.Context, j *job, log *slog.Logger, userText string, snap types.MemorySnapshot, img *types.ScreenImage, transcribedAt int64) (*llm.Result, error) {
	req := llm.Request{
		UserText:     userText,
		Memory:       snap,
		Screen:       img,
		SystemPrompt: c.cfg.SystemPrompt,
		SessionID:    j.u.ID,
	}
	res, err := c.cfg.LLM.Respond(ctx, req)
	if err != nil {
		return nil, err
	}

	clean, requested := llm.ExtractScreenRequest(res.Text)
	res.Text = clean
	if !requested {
		return res, nil
	}

	if img != nil {
		// The call that produced the sentinel already saw the image;
		// another round-trip cannot add anything.
		log.Warn("model requested a capture although an image was attached")
		return res, nil
	}

	if !c.shareActive() {
		c.cfg.Metrics.RecordScreenCapture(ctx, "share_off")
		if clean != "" {
			log.Info("model needs the screen but no share is active, using initial text")
			return res, nil
		}
		return nil, fault.New(fault.ScreenUnavailable, "no active screen share")
	}

	log.Info("model requested a screen capture")
	fetched := c.fetchCapture(ctx, j,
		protocol.ScreenCaptureRequest(1, reasonModelRequest, nil, nil, userText, transcribedAt))
	if fetched == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.cfg.Metrics.RecordScreenCapture(ctx, "timeout")
		if clean != "" {
			log.Warn("capture not delivered in time, using initial text")
			return res, nil
		}
		return nil, fault.New(fault.ScreenUnavailable,
			"capture not delivered within %s", c.cfg.CaptureWait)
	}
	c.cfg.Metrics.RecordScreenCapture(ctx, "delivered")

	req.Screen = fetched
	res2, err := c.cfg.LLM.Respond(ctx, req)
	if err != nil {
		return nil, err
	}
	// A repeated sentinel is stripped but not honoured: the image was
	// attached this time.
	res2.Text, _ = llm.ExtractScreenRequest(res2.Text)
	return res2, nil
}

// prefetchScreen consults the text heuristic and, when it fires, fetches a
// capture before the first model call. Failure to obtain one is soft: the
// model can still raise the sentinel afterwards.
func (c *Coordinator) prefetchScreen(ctx context.Context, j *job, log *slog.Logger, text string, transcribedAt int64) *types.ScreenImage {
	if c.cfg.Detector == nil || !c.shareActive() {
		return nil
	}
	det := c.cfg.Detector.Detect(text)
	if !det.ShouldCapture {
		return nil
	}
	log.Info("screen capture recommended", "reason", det.Reason,
		"confidence", det.Confidence)

	img := c.fetchCapture(ctx, j, protocol.ScreenCaptureRequest(
		det.Confidence, det.Reason, det.TriggerMatches, det.ContextMatches,
		text, transcribedAt))
	if img == nil {
		if ctx.Err() == nil {
			c.cfg.Metrics.RecordScreenCapture(ctx, "timeout")
			log.Warn("capture not delivered in time, continuing without screen context")
		}
		return nil
	}
	c.cfg.Metrics.RecordScreenCapture(ctx, "delivered")
	return img
}

// fetchCapture emits a capture request and waits for [Coordinator.DeliverCapture],
// bounded by the configured wait and by ctx. Returns nil when nothing
// arrived in time.
func (c *Coordinator) fetchCapture(ctx context.Context, j *job, ev protocol.Event) *types.ScreenImage {
	ch := make(chan *types.ScreenImage, 1)
	c.mu.Lock()
	c.capture = ch
	c.mu.Unlock()

	if !c.emit(j, ev) {
		c.clearCapture(ch)
		return nil
	}

	timer := time.NewTimer(c.cfg.CaptureWait)
	defer timer.Stop()

	var img *types.ScreenImage
	select {
	case img = <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
	c.clearCapture(ch)
	return img
}

// clearCapture retires the await channel if it is still registered.
func (c *Coordinator) clearCapture(ch chan *types.ScreenImage) {
	c.mu.Lock()
	if c.capture == ch {
		c.capture = nil
	}
	c.mu.Unlock()
}

// emit sends ev unless the job was preempted. Returns false when the job
// must stop producing events.
func (c *Coordinator) emit(j *job, ev protocol.Event) bool {
	c.mu.Lock()
	if j.superseded {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	c.cfg.Sink.Send(ev)
	return true
}

// commitText emits the answer text and flips the job past the preemption
// boundary. The check and the flip are atomic with respect to Submit, so a
// job is either preempted before its text goes out or runs to completion.
func (c *Coordinator) commitText(j *job, ev protocol.Event) bool {
	c.mu.Lock()
	if j.superseded {
		c.mu.Unlock()
		return false
	}
	j.committed = true
	c.mu.Unlock()
	c.cfg.Sink.Send(ev)
	return true
}

// stageFailed handles a terminal stage error: cancelled jobs stay silent,
// everything else reports the stage's wire kind to the client with the
// taxonomy kind in the message.
func (c *Coordinator) stageFailed(ctx context.Context, j *job, log *slog.Logger, stage, wireKind, msgPrefix string, err error) {
	c.mu.Lock()
	superseded := j.superseded
	c.mu.Unlock()
	if j.ctx.Err() != nil {
		if !superseded {
			c.cfg.Metrics.RecordPipelineOutcome(ctx, "cancelled")
		}
		log.Debug("stage aborted by cancellation", "stage", stage, "error", err)
		return
	}

	kind := fault.KindOf(err)
	log.Error("stage failed", "stage", stage, "kind", kind, "error", err)
	c.emit(j, protocol.ErrorEvent(wireKind, fmt.Sprintf("%s: %s", msgPrefix, kind)))
	c.cfg.Metrics.RecordPipelineOutcome(ctx, stage+"_failed")
}
