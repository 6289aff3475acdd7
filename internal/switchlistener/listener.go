// Package switchlistener accepts the telephony switch's per-call
// websocket connections and, once a call's three duplex channels (cmd,
// evt, media) have all arrived, resolves the tenant's secretary
// profile and starts a callsession.Session for it.
package switchlistener

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/voicedesk/secretary/internal/calldata"
	"github.com/voicedesk/secretary/internal/callerr"
	"github.com/voicedesk/secretary/internal/calllog"
	"github.com/voicedesk/secretary/internal/callsession"
	"github.com/voicedesk/secretary/internal/callstate"
	"github.com/voicedesk/secretary/internal/config"
	"github.com/voicedesk/secretary/internal/eventbus"
	"github.com/voicedesk/secretary/internal/heartbeat"
	"github.com/voicedesk/secretary/internal/observability"
	"github.com/voicedesk/secretary/internal/provider"
	"github.com/voicedesk/secretary/internal/registry"
	"github.com/voicedesk/secretary/internal/switchadapter"
	"github.com/voicedesk/secretary/internal/tenantstore"
	"github.com/voicedesk/secretary/internal/tools"
)

// grace bounds how long the listener waits for the remaining channels
// of a call once the first one connects.
const grace = 5 * time.Second

// fallbackProfileMessage is spoken to the caller when the tenant's
// secretary profile can't be resolved at all, so there is no
// tenant-configured FallbackMessage to fall back to.
const fallbackProfileMessage = "Sorry, we're unable to take your call right now. Please try again shortly."

type pendingCall struct {
	mu    sync.Mutex
	cmd   *websocket.Conn
	evt   *websocket.Conn
	media *websocket.Conn
}

func (p *pendingCall) set(channel string, conn *websocket.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch channel {
	case "cmd":
		p.cmd = conn
	case "evt":
		p.evt = conn
	case "media":
		p.media = conn
	}
}

func (p *pendingCall) ready() (cmd, evt, media *websocket.Conn, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd, p.evt, p.media, p.cmd != nil && p.evt != nil && p.media != nil
}

// Listener owns the HTTP/websocket surface the switch dials into and
// the singletons shared by every call it starts.
type Listener struct {
	cfg          config.Config
	tenants      tenantstore.Store
	availability *tenantstore.Availability
	toolRegistry *tools.Registry
	sink         calllog.Sink
	metrics      *observability.Metrics
	calls        *registry.Registry[callsession.Session]
	upgrader     websocket.Upgrader

	mu      sync.Mutex
	pending map[string]*pendingCall
}

func New(
	cfg config.Config,
	tenants tenantstore.Store,
	availability *tenantstore.Availability,
	toolRegistry *tools.Registry,
	sink calllog.Sink,
	metrics *observability.Metrics,
	calls *registry.Registry[callsession.Session],
) *Listener {
	return &Listener{
		cfg:          cfg,
		tenants:      tenants,
		availability: availability,
		toolRegistry: toolRegistry,
		sink:         sink,
		metrics:      metrics,
		calls:        calls,
		pending:      make(map[string]*pendingCall),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (l *Listener) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/switch/{call_id}/{channel}", l.handleChannel)
	return r
}

func (l *Listener) handleChannel(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(chi.URLParam(r, "call_id"))
	channel := strings.TrimSpace(chi.URLParam(r, "channel"))
	if callID == "" || (channel != "cmd" && channel != "evt" && channel != "media") {
		http.Error(w, "invalid call id or channel", http.StatusBadRequest)
		return
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	l.mu.Lock()
	p, ok := l.pending[callID]
	if !ok {
		p = &pendingCall{}
		l.pending[callID] = p
	}
	l.mu.Unlock()

	p.set(channel, conn)

	if channel == "cmd" {
		tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
		secretaryID := strings.TrimSpace(r.URL.Query().Get("secretary_id"))
		callerNum := r.URL.Query().Get("caller_num")
		callerName := r.URL.Query().Get("caller_name")
		go l.awaitAndStart(callID, tenantID, secretaryID, callerNum, callerName, p)
	}
}

func (l *Listener) awaitAndStart(callID, tenantID, secretaryID, callerNum, callerName string, p *pendingCall) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if cmd, evt, media, ready := p.ready(); ready {
			l.mu.Lock()
			delete(l.pending, callID)
			l.mu.Unlock()
			l.startCall(callID, tenantID, secretaryID, callerNum, callerName, cmd, evt, media)
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	l.mu.Lock()
	delete(l.pending, callID)
	l.mu.Unlock()
	log.Printf("call %s: switch channels did not all connect within %s, dropping", callID, grace)
}

func (l *Listener) startCall(callID, tenantID, secretaryID, callerNum, callerName string, cmd, evt, media *websocket.Conn) {
	ctx := context.Background()
	profile, err := l.tenants.Profile(ctx, tenantID, secretaryID)
	if err != nil {
		cfgErr := callerr.Configuration(callID, fmt.Sprintf("profile lookup failed for tenant %s secretary %s: %v", tenantID, secretaryID, err))
		log.Printf("call %s: %v", callID, cfgErr)
		l.rejectWithFallback(ctx, callID, tenantID, secretaryID, callerNum, callerName, cmd, evt, media)
		return
	}

	bus := eventbus.New()
	adapter := switchadapter.New(callID, cmd, evt, media, bus)

	sess := callsession.New(callsession.Config{
		CallID:     callID,
		TenantID:   tenantID,
		CallerNum:  callerNum,
		CallerName: callerName,
		Profile:    profile,

		Adapter:      adapter,
		ToolRegistry: l.toolRegistry,
		Availability: l.availability,
		SideChannel:  l.sideChannel,
		Sink:         l.sink,
		Metrics:      l.metrics,

		Provider: provider.Config{
			URL:        l.cfg.ProviderURL,
			Headers:    providerHeaders(l.cfg.ProviderAPIKey),
			SessionCap: l.cfg.ProviderSessionCap,
		},
		Heartbeat: heartbeat.Config{
			AudioSilenceThreshold:    l.cfg.HeartbeatAudioSilenceThreshold,
			ProviderTimeoutThreshold: l.cfg.HeartbeatProviderTimeoutThreshold,
			SweepInterval:            l.cfg.HeartbeatSweepInterval,
		},
		SwitchSampleRate:   l.cfg.SwitchSampleRate,
		ProviderSampleRate: l.cfg.ProviderSampleRate,
		SwitchEncoding:     calldata.AudioEncoding(l.cfg.SwitchEncoding),
		EchoCancelDelay:    l.cfg.EchoCancelDelay,
	})

	l.calls.Register(callID, sess)
	adapter.Start(ctx)

	go func() {
		defer l.calls.Deregister(callID)
		if _, err := sess.Run(ctx); err != nil {
			log.Printf("call %s ended with error: %v", callID, err)
		}
	}()
}

// rejectWithFallback answers a call whose tenant profile could not be
// resolved: it still stands up an adapter over the three channels the
// switch already dialed, speaks a generic fallback, hangs up, and
// flushes a minimal CallRecord so the failure is never silent. No
// callsession.Session exists for this call since there was no profile
// to build one from.
func (l *Listener) rejectWithFallback(ctx context.Context, callID, tenantID, secretaryID, callerNum, callerName string, cmd, evt, media *websocket.Conn) {
	bus := eventbus.New()
	adapter := switchadapter.New(callID, cmd, evt, media, bus)
	adapter.Start(ctx)
	defer adapter.Close()

	startedAt := time.Now()
	_ = adapter.PlayAudio(ctx, "tts:"+fallbackProfileMessage)
	_ = adapter.Hangup(ctx, "configuration_error")

	record := calldata.CallRecord{
		CallUUID:    callID,
		TenantID:    tenantID,
		SecretaryID: secretaryID,
		CallerID:    callerNum,
		CallerName:  callerName,
		StartedAt:   startedAt,
		EndedAt:     time.Now(),
		FinalState:  string(callstate.StateEnded),
		Outcome:     calldata.OutcomeError,
	}
	record.DurationMS = record.EndedAt.Sub(record.StartedAt).Milliseconds()
	if err := l.sink.Deliver(ctx, record); err != nil {
		log.Printf("call %s: failed to deliver fallback call record: %v", callID, err)
	}
}

// sideChannel builds the provider session used to announce an
// attended transfer to the attendant, restricted to the accept/reject
// tools the transfer orchestrator passes in.
func (l *Listener) sideChannel(callID string, bus *eventbus.Bus, toolSpecs []tools.ToolSpec) *provider.Session {
	providerSpecs := make([]provider.ToolSpec, 0, len(toolSpecs))
	for _, sp := range toolSpecs {
		providerSpecs = append(providerSpecs, provider.ToolSpec{Name: sp.Name, Description: sp.Description, Parameters: sp.Parameters})
	}
	return provider.New(callID, provider.Config{
		URL:        l.cfg.ProviderURL,
		Headers:    providerHeaders(l.cfg.ProviderAPIKey),
		Voice:      l.cfg.ProviderVoice,
		Tools:      providerSpecs,
		SessionCap: l.cfg.ProviderSessionCap,
	}, bus)
}

func providerHeaders(apiKey string) http.Header {
	h := http.Header{}
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	return h
}
