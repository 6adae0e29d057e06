package lyra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lyravoice/lyra/pkg/adapters/calendar"
	"github.com/lyravoice/lyra/pkg/adapters/stt"
	"github.com/lyravoice/lyra/pkg/adapters/tts"
	"github.com/lyravoice/lyra/pkg/booking"
	"github.com/lyravoice/lyra/pkg/dialogue"
	"github.com/lyravoice/lyra/pkg/errorsx"
	"github.com/lyravoice/lyra/pkg/frames"
	"github.com/lyravoice/lyra/pkg/llm"
	"github.com/lyravoice/lyra/pkg/logging"
	"github.com/lyravoice/lyra/pkg/metrics"
	"github.com/lyravoice/lyra/pkg/redact"
	"github.com/lyravoice/lyra/pkg/runner"
	"github.com/lyravoice/lyra/pkg/synth"
	"github.com/lyravoice/lyra/pkg/transcribe"
	"github.com/lyravoice/lyra/pkg/transports"
)

// Engine wires the whole call path together: transport media in,
// transcription, dialogue turns, synthesis out, and the shared booking
// engine underneath the sessions' function calls.
type Engine struct {
	cfg       Config
	registry  *SessionRegistry
	transport transports.Transport
	providers *ProviderRegistry

	llmAdapter  llm.Adapter
	calendarSvc calendar.Service
	booker      *booking.Engine
	holds       *booking.HoldTable

	asyncObs   *metrics.AsyncObserver
	artifacts  *os.File
	metricsSrv *http.Server

	runner *runner.LifecycleRunner
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Transport transports.Transport
	// Calendar overrides the configured calendar provider when non-nil.
	Calendar calendar.Service
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	log := logging.New(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:       cfg,
		transport: opts.Transport,
		providers: providers,
		holds:     booking.NewHoldTable(time.Duration(cfg.Booking.HoldTTLMS) * time.Millisecond),
		ctx:       ctx,
		cancel:    cancel,
		log:       log,
	}

	if err := e.buildObservers(); err != nil {
		cancel()
		return nil, err
	}

	llmAdapter, err := providers.BuildLLM(cfg.Vendors.LLM.Provider, cfg)
	if err != nil {
		cancel()
		return nil, err
	}
	if cb, ok := llmAdapter.(*llm.CircuitBreakerAdapter); ok {
		cb.SetObserver(e.asyncObs)
	}
	e.llmAdapter = llmAdapter

	calendarSvc := opts.Calendar
	if calendarSvc == nil {
		calendarSvc, err = providers.BuildCalendar(ctx, cfg.Vendors.Calendar.Provider, cfg)
		if err != nil {
			cancel()
			return nil, err
		}
	}
	e.calendarSvc = calendarSvc

	loc := time.Local
	if cfg.Booking.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Booking.Timezone)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("booking timezone: %w", err)
		}
	}
	e.booker = booking.NewEngine(calendarSvc, e.holds, booking.Config{
		CalendarID:   cfg.Booking.CalendarID,
		OpenHour:     cfg.Booking.OpenHour,
		CloseHour:    cfg.Booking.CloseHour,
		SlotMinutes:  cfg.Booking.SlotMinutes,
		HoldTTL:      time.Duration(cfg.Booking.HoldTTLMS) * time.Millisecond,
		Location:     loc,
		EventSummary: cfg.Booking.EventSummary,
	})
	e.booker.SetObserver(e.asyncObs)
	e.booker.SetLogger(logging.NewComponentLogger(log, "booking"))

	e.registry = NewSessionRegistry(e.buildSession)

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"environment", cfg.Environment}
			if rr, ok := opts.Transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			log.Info("engine_ready", fields...)
		},
		OnStop: func() {
			if e.asyncObs != nil {
				e.asyncObs.Close()
			}
			if e.artifacts != nil {
				_ = e.artifacts.Close()
			}
			if e.metricsSrv != nil {
				_ = e.metricsSrv.Close()
			}
			log.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", e.registry.Count())
		},
	}
	drainer := runner.DrainerFunc(func() error {
		if e.transport != nil {
			_ = e.transport.Stop()
		}
		e.registry.SetDraining(true)
		e.registry.CloseAll("engine_shutdown")
		dctx, dcancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer dcancel()
		_ = e.registry.WaitForEmpty(dctx, 200*time.Millisecond)
		return nil
	})
	e.runner = runner.NewLifecycleRunner(drainer, hooks, 30*time.Second)

	log.Info("lyra_init",
		"environment", cfg.Environment,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"calendar_provider", cfg.Vendors.Calendar.Provider,
		"transport", cfg.Transports.Provider,
	)
	return e, nil
}

func (e *Engine) buildObservers() error {
	cfg := e.cfg
	var logObs metrics.Observer = metrics.NewLoggerObserver(logging.NewComponentLogger(e.log, "events"))
	if cfg.Observability.SampleRate > 0 && cfg.Observability.SampleRate < 1 {
		logObs = metrics.NewSamplingObserver(logObs, cfg.Observability.SampleRate)
	}
	obsList := []metrics.Observer{
		metrics.NewLatencyObserver(logging.NewComponentLogger(e.log, "latency")),
		logObs,
	}
	if dir := cfg.Observability.ArtifactsDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("artifacts dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("artifacts file: %w", err)
		}
		e.artifacts = f
		obsList = append(obsList, metrics.NewJSONLObserver(f))
	}
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		reg := prometheus.NewRegistry()
		obsList = append(obsList, metrics.NewPrometheusObserver(reg))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		e.metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := e.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.log.Error("metrics_server_error", "error", err.Error())
			}
		}()
	}
	e.asyncObs = metrics.NewAsyncObserver(metrics.NewMultiObserver(obsList...), 2048)
	return nil
}

// buildSession assembles the per-call pipeline.
func (e *Engine) buildSession(ctx context.Context, callSID, streamID, traceID, from string) (*dialogue.Session, error) {
	cfg := e.cfg
	sessionID := callSID

	sttAdapter, err := e.providers.BuildSTT(cfg.Vendors.STT.Provider, cfg, stt.Config{
		SessionID:  sessionID,
		CallSID:    callSID,
		TraceID:    traceID,
		SampleRate: 8000,
		Encoding:   "mulaw",
		Language:   "en-US",
	})
	if err != nil {
		return nil, err
	}
	transcriber := transcribe.New(sttAdapter, transcribe.Config{
		SessionID:        sessionID,
		SilenceThreshold: time.Duration(cfg.Dialogue.SilenceThresholdMS) * time.Millisecond,
	})
	transcriber.SetObserver(e.asyncObs)
	transcriber.SetLogger(logging.NewComponentLogger(e.log, "transcribe"))

	ttsAdapter, err := e.providers.BuildTTS(cfg.Vendors.TTS.Provider, cfg, tts.Config{
		SessionID:  sessionID,
		CallSID:    callSID,
		SampleRate: 8000,
		Channels:   1,
	})
	if err != nil {
		_ = sttAdapter.Close()
		return nil, err
	}
	streamer := synth.New(ttsAdapter, synth.Config{
		SessionID:    sessionID,
		BufferFrames: cfg.Dialogue.SynthBufferFrames,
	})
	streamer.SetObserver(e.asyncObs)
	streamer.SetLogger(logging.NewComponentLogger(e.log, "synth"))

	tools := dialogue.NewRecordingRegistry(booking.NewRegistry(e.booker, sessionID), nil)
	orch := llm.NewOrchestrator(e.llmAdapter, tools, llm.OrchestratorConfig{
		MaxToolCalls: cfg.Dialogue.MaxToolCalls,
		TurnTimeout:  time.Duration(cfg.Dialogue.TurnTimeoutMS) * time.Millisecond,
	})
	orch.SetObserver(e.asyncObs)
	orch.SetLogger(logging.NewComponentLogger(e.log, "llm"))

	sess := dialogue.NewSession(dialogue.Config{
		SessionID:         sessionID,
		CallSID:           callSID,
		FromNumber:        from,
		SystemPrompt:      cfg.BasePrompt,
		Greeting:          cfg.Dialogue.Greeting,
		FallbackTimeout:   cfg.Dialogue.FallbackTimeout,
		FallbackToolLoop:  cfg.Dialogue.FallbackToolLoop,
		BargeInConfidence: cfg.Dialogue.BargeInConfidence,
	}, transcriber, orch, streamer)
	tools.SetHistory(sess.History())
	sess.SetObserver(e.asyncObs)
	sess.SetLogger(logging.NewComponentLogger(e.log, "dialogue"))

	if e.transport != nil {
		sess.AddStateListener(&bargeInNotifier{engine: e, streamID: streamID, callSID: callSID})
	}

	sess.OnEnd(func(reason string, cause error) {
		released := e.holds.ReleaseOwner(sessionID)
		if released > 0 {
			e.log.Info("holds_released", "session_id", sessionID, "count", released)
		}
		if errorsx.IsFatal(cause) && !errorsx.HasReason(cause, errorsx.ReasonTransportDisconnect) {
			if cc, ok := e.transport.(transports.CallController); ok {
				go func() {
					if err := cc.EndCall(context.Background(), callSID); err != nil {
						e.log.Warn("end_call_failed", "call_sid", callSID, "error", err.Error())
					}
				}()
			}
		}
		go e.registry.Remove(callSID, reason)
	})
	return sess, nil
}

// bargeInNotifier tells the transport to drop its playback buffer the
// moment the dialogue cuts off the agent. Without this the caller keeps
// hearing whatever the carrier already buffered.
type bargeInNotifier struct {
	engine   *Engine
	streamID string
	callSID  string
}

func (n *bargeInNotifier) OnStateChange(change dialogue.StateChange) {
	if change.FromState != dialogue.StateSpeaking || change.Reason != "barge-in" {
		return
	}
	meta := map[string]string{frames.MetaCallSID: n.callSID}
	cf := frames.NewControlFrame(n.streamID, time.Now().UnixNano(), frames.ControlBargeIn, meta)
	_ = n.engine.transport.Send(cf)
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.transport != nil {
		if err := e.transport.Start(ctx); err != nil {
			return err
		}
		go e.routeTransport(ctx)
	}
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

// StartSession creates (or finds) the dialogue session for a call and
// starts its outbound audio pump.
func (e *Engine) StartSession(callSID, streamID, traceID, from string) (*CallSession, error) {
	cs, created, err := e.registry.GetOrCreate(callSID, streamID, traceID, from)
	if err != nil {
		return nil, err
	}
	if created {
		e.log.Info("session_started",
			"call_sid", callSID,
			"stream_id", streamID,
			"from", redact.Caller(from),
		)
		if e.transport != nil {
			go e.pumpOutbound(cs)
		}
	}
	return cs, nil
}

// PushInbound delivers one caller audio frame to its session.
func (e *Engine) PushInbound(callSID string, frame frames.AudioFrame) error {
	cs, ok := e.registry.Get(callSID)
	if !ok {
		return fmt.Errorf("no session for call %s", callSID)
	}
	return cs.Session.PushAudio(frame)
}

// EndSession tears down the session for a call.
func (e *Engine) EndSession(callSID, reason string) {
	e.registry.Remove(callSID, reason)
}

func (e *Engine) Session(callSID string) (*CallSession, bool) {
	return e.registry.Get(callSID)
}

func (e *Engine) Booking() *booking.Engine { return e.booker }

func (e *Engine) Registry() *SessionRegistry { return e.registry }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	return nil
}

func (e *Engine) routeTransport(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			meta := f.Meta()
			callSID := meta[frames.MetaCallSID]
			streamID := meta[frames.MetaStreamID]
			if callSID == "" || streamID == "" {
				frames.ReleaseAudioFrame(f)
				continue
			}
			switch f.Kind() {
			case frames.KindSystem:
				sf := f.(frames.SystemFrame)
				switch sf.Name() {
				case "call_start":
					if _, err := e.StartSession(callSID, streamID, meta[frames.MetaTraceID], meta[frames.MetaFromNumber]); err != nil {
						e.log.Error("session_start_failed", "call_sid", callSID, "error", err.Error())
					}
				case "call_end":
					e.EndSession(callSID, meta[frames.MetaCallEndReason])
				}
			case frames.KindAudio:
				af := f.(frames.AudioFrame)
				if err := e.PushInbound(callSID, af); err != nil {
					frames.ReleaseAudioFrame(af)
				}
			}
		}
	}
}

// pumpOutbound moves synthesized audio to the transport. A pull that
// idles past the playback window while the session is still SPEAKING
// means the utterance has drained, which is what flips the dialogue
// back to LISTENING.
func (e *Engine) pumpOutbound(cs *CallSession) {
	idle := time.Duration(e.cfg.Dialogue.PlaybackIdleMS) * time.Millisecond
	if idle <= 0 {
		idle = 200 * time.Millisecond
	}
	for {
		pullCtx, cancel := context.WithTimeout(cs.Ctx, idle)
		f, err := cs.Session.PullAudio(pullCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				if cs.Session.State() == dialogue.StateSpeaking {
					cs.Session.OnPlaybackComplete()
				}
				select {
				case <-cs.Ctx.Done():
					return
				case <-cs.Session.Done():
					return
				default:
					continue
				}
			}
			return
		}
		af, ok := f.(frames.AudioFrame)
		if !ok {
			continue
		}
		out := frames.NewAudioFrameFromPool(cs.StreamID, af.PTS(), af.RawPayload(), af.Rate(), af.Channels(), af.Meta())
		frames.ReleaseAudioFrame(af)
		if err := e.transport.Send(out); err != nil {
			e.log.Warn("transport_send_failed", "call_sid", cs.CallSID, "error", err.Error())
		}
	}
}
