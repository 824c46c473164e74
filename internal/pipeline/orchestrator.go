// Package pipeline connects the camera sampler to the realtime client and
// tracks what the user sees: the latest source frame, the latest processed
// image and the generation settings.
package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/livediff/internal/apiclient"
	"github.com/gaspardpetit/livediff/internal/capture"
	"github.com/gaspardpetit/livediff/internal/logx"
	"github.com/gaspardpetit/livediff/internal/metrics"
	"github.com/gaspardpetit/livediff/internal/realtime"
	"github.com/gaspardpetit/livediff/internal/settings"
)

// DefaultFrameRate is how often frames are sampled for processing.
const DefaultFrameRate = 6.0

// Camera is the sampler surface the orchestrator drives.
type Camera interface {
	Activate(ctx context.Context, cfg capture.Config) error
	Deactivate()
	OnFrame(fn capture.FrameFunc, rate float64)
	Active() bool
	Err() error
	Stats() capture.Stats
}

// Transport is the realtime client surface the orchestrator drives.
type Transport interface {
	Connect()
	Disconnect()
	IsConnected() bool
	State() realtime.State
	Snapshot() realtime.Snapshot
	Handle(h realtime.Handler)
	Send(ctx context.Context, msg any) error
	SendFrameWithHeader(ctx context.Context, hdr realtime.FrameHeader, f *capture.Frame) error
}

// RemoteConfig pushes settings to the backend configuration API.
type RemoteConfig interface {
	UpdateSettings(ctx context.Context, u apiclient.SettingsUpdate) (apiclient.DiffusionSettings, error)
}

// Config tunes an Orchestrator.
type Config struct {
	Capture       capture.Config
	FrameRate     float64
	ResultTimeout time.Duration
	AfterFunc     realtime.AfterFunc
}

// Processed is the latest result received from the backend.
type Processed struct {
	FrameID    string        `json:"frame_id"`
	Seq        uint64        `json:"seq"`
	MIME       string        `json:"mime"`
	Seed       int64         `json:"seed"`
	ReceivedAt time.Time     `json:"received_at"`
	RoundTrip  time.Duration `json:"round_trip"`
	Image      []byte        `json:"-"`
}

// View is the derived state rendered by the control surface.
type View struct {
	Connection      realtime.Snapshot           `json:"connection"`
	Camera          capture.Stats               `json:"camera"`
	Processing      bool                        `json:"processing"`
	Gate            GateStats                   `json:"gate"`
	Settings        settings.GenerationSettings `json:"settings"`
	Backend         *realtime.Status            `json:"backend,omitempty"`
	Processed       *Processed                  `json:"processed,omitempty"`
	Stale           uint64                      `json:"stale_results"`
	LastServerError string                      `json:"last_server_error,omitempty"`
	LastRemoteError string                      `json:"last_remote_error,omitempty"`
}

// Orchestrator forwards sampled frames to the backend under a one in flight
// policy and applies user intents.
type Orchestrator struct {
	camera    Camera
	transport Transport
	store     settings.Store
	remote    RemoteConfig
	cfg       Config
	gate      *Gate
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	settings    settings.GenerationSettings
	source      *capture.Frame
	processed   *Processed
	backend     *realtime.Status
	stale       uint64
	serverErr   string
	remoteErr   string
	onProcessed []func(Processed)
}

// New wires an orchestrator. remote may be nil.
func New(camera Camera, transport Transport, store settings.Store, remote RemoteConfig, cfg Config) *Orchestrator {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultFrameRate
	}
	if store == nil {
		store = settings.NewMemoryStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		camera:    camera,
		transport: transport,
		store:     store,
		remote:    remote,
		cfg:       cfg,
		log:       logx.Component("pipeline"),
		ctx:       ctx,
		cancel:    cancel,
		settings:  settings.Defaults(),
	}
	o.gate = NewGate(cfg.ResultTimeout, cfg.AfterFunc, o.resultTimedOut)
	return o
}

// Start loads persisted settings and begins routing frames and events.
func (o *Orchestrator) Start(ctx context.Context) {
	if s, err := o.store.Load(ctx); err != nil {
		o.log.Warn().Err(err).Msg("load settings; using defaults")
	} else {
		o.mu.Lock()
		o.settings = s
		o.mu.Unlock()
	}
	o.transport.Handle(o.handleEvent)
	o.camera.OnFrame(o.handleFrame, o.cfg.FrameRate)
}

// Close stops frame routing. The camera and transport are closed by their
// owner.
func (o *Orchestrator) Close() {
	o.cancel()
	o.camera.OnFrame(nil, 0)
	o.gate.Reset()
}

// OnProcessed registers fn to receive every accepted result.
func (o *Orchestrator) OnProcessed(fn func(Processed)) {
	o.mu.Lock()
	o.onProcessed = append(o.onProcessed, fn)
	o.mu.Unlock()
}

// Connect asks the transport to connect.
func (o *Orchestrator) Connect() { o.transport.Connect() }

// Disconnect closes the transport and suppresses reconnection.
func (o *Orchestrator) Disconnect() { o.transport.Disconnect() }

// ToggleConnection disconnects when connected or connecting, and connects
// otherwise. It returns the state right after the intent.
func (o *Orchestrator) ToggleConnection() realtime.State {
	switch o.transport.State() {
	case realtime.Connected, realtime.Connecting:
		o.transport.Disconnect()
	default:
		o.transport.Connect()
	}
	return o.transport.State()
}

// ActivateCamera opens the capture device with the configured settings.
func (o *Orchestrator) ActivateCamera(ctx context.Context) error {
	return o.camera.Activate(ctx, o.cfg.Capture)
}

// DeactivateCamera releases the capture device.
func (o *Orchestrator) DeactivateCamera() {
	o.camera.Deactivate()
	o.mu.Lock()
	o.source = nil
	o.mu.Unlock()
}

// Settings returns the current generation settings.
func (o *Orchestrator) Settings() settings.GenerationSettings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// ApplySettings validates and applies p, persists the result and forwards it
// to the backend. Delivery to the backend is best effort.
func (o *Orchestrator) ApplySettings(ctx context.Context, p settings.Patch) (settings.GenerationSettings, error) {
	o.mu.Lock()
	next, err := o.settings.Apply(p)
	if err != nil {
		o.mu.Unlock()
		return next, err
	}
	o.settings = next
	o.mu.Unlock()

	if err := o.store.Save(ctx, next); err != nil {
		o.log.Warn().Err(err).Msg("persist settings")
	}
	o.sendBestEffort(ctx, realtime.TypeSettings, next)
	o.pushRemote(ctx, p)
	o.log.Info().Int("steps", next.Steps).Float64("guidance", next.GuidanceScale).Str("seed", next.SeedLabel()).Msg("settings applied")
	return next, nil
}

// SubmitPrompt updates the prompt pair and sends it to the backend.
func (o *Orchestrator) SubmitPrompt(ctx context.Context, prompt, negative string) (settings.GenerationSettings, error) {
	s, err := o.ApplySettings(ctx, settings.Patch{Prompt: &prompt, NegativePrompt: &negative})
	if err != nil {
		return s, err
	}
	o.sendBestEffort(ctx, realtime.TypePrompt, realtime.PromptUpdate{Prompt: prompt, NegativePrompt: negative})
	return s, nil
}

// SourceFrame returns the most recent sampled frame, or nil.
func (o *Orchestrator) SourceFrame() *capture.Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.source
}

// Processed returns the most recent accepted result.
func (o *Orchestrator) Processed() (Processed, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.processed == nil {
		return Processed{}, false
	}
	return *o.processed, true
}

// View returns the derived state.
func (o *Orchestrator) View() View {
	gs := o.gate.Stats()
	v := View{
		Connection: o.transport.Snapshot(),
		Camera:     o.camera.Stats(),
		Processing: gs.InFlight,
		Gate:       gs,
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	v.Settings = o.settings
	v.Backend = o.backend
	if o.processed != nil {
		p := *o.processed
		v.Processed = &p
	}
	v.Stale = o.stale
	v.LastServerError = o.serverErr
	v.LastRemoteError = o.remoteErr
	return v
}

// handleFrame runs on the sampler goroutine.
func (o *Orchestrator) handleFrame(f *capture.Frame) {
	o.mu.Lock()
	o.source = f
	o.mu.Unlock()
	if !o.transport.IsConnected() {
		return
	}
	if t := o.gate.Offer(f); t != nil {
		o.send(t)
	}
}

func (o *Orchestrator) send(t *Ticket) {
	hdr := realtime.FrameHeader{
		ID:       t.ID,
		Seq:      t.Frame.Seq,
		Width:    t.Frame.Width,
		Height:   t.Frame.Height,
		Mirrored: t.Frame.Mirrored,
	}
	if err := o.transport.SendFrameWithHeader(o.ctx, hdr, t.Frame); err != nil {
		o.gate.Abort(t.ID)
		if !errors.Is(err, realtime.ErrNotConnected) {
			o.log.Warn().Err(err).Str("id", t.ID).Msg("frame send failed")
		}
		return
	}
	o.log.Debug().Str("id", t.ID).Uint64("seq", t.Frame.Seq).Msg("frame sent")
}

func (o *Orchestrator) resultTimedOut(next *Ticket) {
	metrics.RecordResult("timeout")
	o.log.Warn().Dur("timeout", o.gate.timeout).Msg("no result for in-flight frame")
	if next != nil {
		o.send(next)
	}
}

// handleEvent runs on the client's dispatcher goroutine.
func (o *Orchestrator) handleEvent(ev realtime.Event) {
	switch ev.Kind {
	case realtime.EventState:
		if ev.State != realtime.Connected {
			o.gate.Reset()
			return
		}
		o.sendBestEffort(o.ctx, realtime.TypeSettings, o.Settings())
	case realtime.EventMessage:
		msg, err := realtime.Decode(ev.Message.Type, ev.Message.Data)
		if err != nil {
			o.log.Warn().Err(err).Msg("undecodable server message")
			return
		}
		o.handleMessage(msg)
	}
}

func (o *Orchestrator) handleMessage(msg realtime.ServerMessage) {
	switch m := msg.(type) {
	case *realtime.Result:
		o.handleResult(m)
	case *realtime.ServerError:
		o.mu.Lock()
		o.serverErr = m.Error()
		o.mu.Unlock()
		o.log.Warn().Str("id", m.ID).Str("code", m.Code).Msg(m.Message)
		if m.ID == "" {
			return
		}
		if _, next, ok := o.gate.Complete(m.ID); ok {
			metrics.RecordResult("error")
			if next != nil {
				o.send(next)
			}
		}
	case *realtime.Status:
		o.mu.Lock()
		o.backend = m
		o.mu.Unlock()
	case *realtime.SettingsAck:
		o.log.Debug().Int("bytes", len(m.Settings)).Msg("backend applied settings")
	default:
		o.log.Debug().Str("type", msg.MessageType()).Msg("ignoring message")
	}
}

func (o *Orchestrator) handleResult(r *realtime.Result) {
	id := r.ID
	if id == "" {
		id = o.gate.Current()
	}
	done, next, ok := o.gate.Complete(id)
	if !ok {
		metrics.RecordResult("stale")
		o.mu.Lock()
		o.stale++
		o.mu.Unlock()
		o.log.Debug().Str("id", r.ID).Msg("dropping stale result")
		return
	}
	rtt := time.Since(done.SentAt)
	metrics.RecordResult("ok")
	metrics.ObserveRoundTrip(rtt)

	mime := r.MIME
	if mime == "" {
		mime = http.DetectContentType(r.Image)
	}
	p := Processed{
		FrameID:    done.ID,
		Seq:        done.Frame.Seq,
		MIME:       mime,
		Seed:       r.Seed,
		ReceivedAt: time.Now(),
		RoundTrip:  rtt,
		Image:      r.Image,
	}
	o.mu.Lock()
	o.processed = &p
	listeners := o.onProcessed
	o.mu.Unlock()
	for _, fn := range listeners {
		fn(p)
	}

	if next != nil {
		o.send(next)
	}
}

func (o *Orchestrator) sendBestEffort(ctx context.Context, typ string, payload any) {
	if !o.transport.IsConnected() {
		return
	}
	env, err := realtime.NewEnvelope(typ, payload)
	if err != nil {
		o.log.Warn().Err(err).Str("type", typ).Msg("encode message")
		return
	}
	if err := o.transport.Send(ctx, env); err != nil {
		o.log.Warn().Err(err).Str("type", typ).Msg("send message")
	}
}

func (o *Orchestrator) pushRemote(ctx context.Context, p settings.Patch) {
	if o.remote == nil {
		return
	}
	_, err := o.remote.UpdateSettings(ctx, apiclient.UpdateFromPatch(p))
	o.mu.Lock()
	if err != nil {
		o.remoteErr = err.Error()
	} else {
		o.remoteErr = ""
	}
	o.mu.Unlock()
	if err != nil {
		o.log.Warn().Err(err).Msg("push settings to backend")
	}
}
