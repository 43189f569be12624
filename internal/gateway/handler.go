package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"voicecall-platform/internal/auth"
	"voicecall-platform/internal/calls"
	"voicecall-platform/internal/feedback"
	"voicecall-platform/internal/media"
	"voicecall-platform/internal/rbac"
	"voicecall-platform/internal/signaling"
	"voicecall-platform/internal/voicecall"
	"voicecall-platform/pkg/logger"
	"voicecall-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var defaultUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin is checked by the edge proxy
	},
}

// Handler upgrades authenticated participants to a WebSocket and runs one
// call leg per connection. Lines, Audit, Clock and Upgrader are optional.
type Handler struct {
	Hub         *Hub
	Bus         signaling.Bus
	Store       calls.Store
	Credentials media.CredentialSource

	Lines voicecall.LineLock
	Audit voicecall.Auditor
	Clock utils.Clock

	Options       voicecall.Options
	DeviceTimeout time.Duration
	Upgrader      *websocket.Upgrader
}

// ServeWS handles GET /v1/calls/ws.
func (h Handler) ServeWS(c *gin.Context) {
	ctx := c.Request.Context()
	userID, err := auth.UserID(ctx)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	role, _ := auth.Role(ctx)
	if !rbac.IsCallParticipant(role) {
		c.JSON(http.StatusForbidden, gin.H{"error": "role cannot place calls"})
		return
	}

	upgrader := h.Upgrader
	if upgrader == nil {
		upgrader = &defaultUpgrader
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		logger.FromGin(c).Warn("websocket upgrade failed", "err", err)
		return
	}

	log := logger.FromGin(c).With("user_id", userID)
	h.serve(conn, voicecall.Participant{ID: userID, Name: auth.Name(ctx), Type: role}, log)
}

func (h Handler) serve(conn *websocket.Conn, self voicecall.Participant, log *slog.Logger) {
	client := NewClient(conn, self.ID, h.DeviceTimeout, log)
	go client.WritePump()

	engines := &remoteEngines{c: client}
	m, err := voicecall.NewMachine(self, voicecall.Deps{
		Bus:         h.Bus,
		Store:       h.Store,
		Credentials: h.Credentials,
		Engines:     engines,
		Feedback: feedback.New(
			deviceAudio{client}, deviceHaptics{client}, deviceNotifier{client},
			h.Clock, log),
		Microphone: deviceMicrophone{client},
		Alerter:    deviceAlerter{client},
		Lines:      h.Lines,
		Audit:      h.Audit,
		Clock:      h.Clock,
		Log:        log,
	}, h.Options)
	if err != nil {
		log.Error("call leg setup failed", "err", err)
		_ = client.Push(TypeError, ErrorPayload{Error: "internal"})
		client.Close()
		return
	}
	stop := m.Observe(func(st voicecall.State) {
		_ = client.Push(TypeState, st)
	})
	defer stop()

	ctx := logger.With(context.Background(), log)
	if err := m.Open(ctx); err != nil {
		log.Error("call leg open failed", "err", err)
		_ = client.Push(TypeError, ErrorPayload{Error: "service_unavailable"})
		client.Close()
		return
	}
	_ = client.Push(TypeState, m.State())

	if h.Hub != nil {
		if !h.Hub.Register(client) {
			_ = client.Push(TypeError, ErrorPayload{Error: "service_unavailable"})
			client.Close()
			if err := m.Close(ctx); err != nil {
				log.Warn("call leg close failed", "err", err)
			}
			return
		}
		// Runs after m.Close so shutdown can wait for the leg's cleanup.
		defer h.Hub.Unregister(client)
	}
	log.Info("call leg connected", "leg_id", m.LegID())

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		h.work(ctx, client, m, engines, log)
	}()

	client.ReadPump()
	<-workerDone

	if err := m.Close(ctx); err != nil {
		log.Warn("call leg close failed", "err", err)
	}
	log.Info("call leg disconnected", "leg_id", m.LegID())
}

// work runs device actions one at a time, off the read loop, so an action
// that waits for a device reply never blocks the reply from being read.
func (h Handler) work(ctx context.Context, client *Client, m *voicecall.Machine, engines *remoteEngines, log *slog.Logger) {
	for {
		select {
		case <-client.Done():
			return
		case msg := <-client.actions:
			if err := h.dispatch(ctx, m, engines, msg); err != nil {
				log.Debug("action failed", "type", msg.Type, "err", err)
				_ = client.Push(TypeError, ErrorPayload{Action: msg.Type, Error: errorCode(err)})
			}
		}
	}
}

func (h Handler) dispatch(ctx context.Context, m *voicecall.Machine, engines *remoteEngines, msg Message) error {
	switch msg.Type {
	case TypeCallStart:
		var p StartPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		return m.StartCall(ctx, voicecall.StartRequest{
			ReceiverID:   p.ReceiverID,
			ReceiverName: p.ReceiverName,
			ReceiverType: p.ReceiverType,
			ChatID:       p.ChatID,
		})
	case TypeCallAnswer:
		return m.AnswerCall(ctx)
	case TypeCallDecline:
		return m.DeclineCall(ctx)
	case TypeCallEnd:
		return m.EndCall(ctx)
	case TypeCallMute:
		return m.ToggleMute(ctx)
	case TypeCallSpeaker:
		return m.ToggleSpeaker(ctx)
	case TypeContainerReady:
		var p ContainerPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		if p.Container == "" {
			return ErrBadPayload
		}
		m.SetCallContainer(ctx, media.Container(p.Container))
		return nil
	case TypeContainerDetach:
		m.SetCallContainer(ctx, "")
		return nil
	case TypeMediaLeft, TypeMediaRemoteLeft:
		engines.mediaEvent(msg.Type)
		return nil
	default:
		return ErrUnknownType
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, voicecall.ErrBusy):
		return "busy"
	case errors.Is(err, voicecall.ErrNoPendingCall):
		return "no_pending_call"
	case errors.Is(err, voicecall.ErrNotInCall):
		return "not_in_call"
	case errors.Is(err, voicecall.ErrMicrophone):
		return "microphone_unavailable"
	case errors.Is(err, voicecall.ErrService):
		return "service_unavailable"
	case errors.Is(err, voicecall.ErrCancelled):
		return "cancelled"
	case errors.Is(err, voicecall.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, voicecall.ErrClosed):
		return "closed"
	case errors.Is(err, ErrBadPayload):
		return "bad_payload"
	case errors.Is(err, ErrUnknownType):
		return "unknown_type"
	default:
		return "internal"
	}
}
