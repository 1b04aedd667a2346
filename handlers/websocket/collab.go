package websocket

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"collab-server/core"
	"collab-server/session"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/engine.io/v2/utils"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

// Inbound and outbound event names shared with the editor client.
const (
	EventJoinDocument  = "join_document"
	EventLeaveDocument = "leave_document"
	EventUpdate        = "yjs_update"
	EventUserJoined    = "user_joined"
	EventUserLeft      = "user_left"
	EventActiveUsers   = "active_users"
)

// transportOverhead is headroom above the largest accepted update for the
// surrounding packet framing.
const transportOverhead = 64 * 1024

// Authenticator resolves a handshake token to a participant.
type Authenticator interface {
	Authenticate(token string) (core.Participant, error)
}

type Options struct {
	// MaxUpdateBytes bounds a single update payload.
	MaxUpdateBytes int
	// QueueSize is the per-connection outbound queue length.
	QueueSize int
	// FrontendURL is an extra allowed CORS origin.
	FrontendURL string
}

var localhostOrigin = regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)

func SetupSocketIO(coord *session.Coordinator, authn Authenticator, options Options) *socketio.Server {
	if options.MaxUpdateBytes <= 0 {
		options.MaxUpdateBytes = session.DefaultMaxPayloadBytes
	}
	if options.QueueSize <= 0 {
		options.QueueSize = defaultQueueSize
	}

	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(int64(options.MaxUpdateBytes + transportOverhead))
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	origins := []any{
		"tauri://localhost",
		localhostOrigin,
	}
	if options.FrontendURL != "" {
		origins = append(origins, options.FrontendURL)
	}
	opts.SetCors(&types.Cors{
		Origin:      origins,
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	srv.Use(func(socket *socketio.Socket, next func(*socketio.ExtendedError)) {
		participant, err := authn.Authenticate(tokenFromHandshake(socket.Handshake()))
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"connection_id": socket.Id(),
				"address":       socket.Handshake().Address,
			}).WithError(err).Warn("Refused unauthenticated socket")
			next(socketio.NewExtendedError("unauthorized", nil))
			return
		}
		// Start reading before the connect ack so no event can slip past.
		inbound := newInboundQueue(options.QueueSize)
		watchInbound(socket.Conn(), socket.Nsp().Name(), inbound)
		socket.SetData(&socketState{participant: participant, inbound: inbound})
		next(nil)
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		state, ok := socket.Data().(*socketState)
		if !ok {
			socket.Disconnect(true)
			return
		}

		me := session.ConnectionID(socket.Id())
		sink := newSocketSink(me, socket, options.QueueSize)
		conn, err := coord.Open(me, state.participant, sink)
		if err != nil {
			logrus.WithError(err).WithField("connection_id", me).Error("Failed to open session")
			state.inbound.Close()
			sink.Close()
			socket.Disconnect(true)
			return
		}
		utils.Log().Printf("socket %v connected as %v\n", me, state.participant.ID)

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On("disconnect", func(datas ...any) {
			state.inbound.Close()
			utils.Log().Printf("socket %v disconnected: %v\n", me, datas)
		})
		if !socket.Connected() {
			state.inbound.Close()
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			state.inbound.run(func(ev inboundEvent) {
				handleInbound(ctx, coord, conn, ev)
			})
			// Everything the client sent before closing has been applied.
			coord.Dispatch(ctx, conn, session.Disconnect{})
			cancel()
			sink.Close()
		}()
	})

	return srv
}

type socketState struct {
	participant core.Participant
	inbound     *inboundQueue
}

// handleInbound applies one client event to the coordinator.
func handleInbound(ctx context.Context, coord *session.Coordinator, conn *session.Connection, ev inboundEvent) session.Outcome {
	me := conn.ID()
	switch ev.name {
	case EventJoinDocument:
		req := parseDocumentRequest(ev.args)
		outcome := coord.Dispatch(ctx, conn, session.Join{DocumentID: req.DocumentID})
		utils.Log().Printf("socket %v join %v: %v\n", me, req.DocumentID, outcome)
		return outcome
	case EventLeaveDocument:
		req := parseDocumentRequest(ev.args)
		if req.DocumentID == "" {
			// A bare leave refers to the attached document.
			req.DocumentID, _ = conn.Document()
		}
		return coord.Dispatch(ctx, conn, session.Leave{DocumentID: req.DocumentID})
	case EventUpdate:
		req := parseDocumentRequest(ev.args)
		payload, ok := decodeUpdate(req.Update)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"connection_id": me,
				"document_id":   req.DocumentID,
			}).Debug("Dropped update with unreadable payload")
			return session.OutcomeRejected
		}
		return coord.Dispatch(ctx, conn, session.SendUpdate{DocumentID: req.DocumentID, Payload: payload})
	}
	return session.OutcomeIgnored
}

// tokenFromHandshake reads the bearer token from the handshake auth object,
// the token query parameter or the Authorization header, in that order.
func tokenFromHandshake(h *socketio.Handshake) string {
	if h == nil {
		return ""
	}
	if auth, ok := h.Auth.(map[string]any); ok {
		if token, ok := auth["token"].(string); ok && token != "" {
			return token
		}
	}
	if values := h.Query["token"]; len(values) > 0 && values[0] != "" {
		return values[0]
	}
	for key, values := range h.Headers {
		if !strings.EqualFold(key, "Authorization") || len(values) == 0 {
			continue
		}
		scheme, token, found := strings.Cut(values[0], " ")
		if found && strings.EqualFold(scheme, "bearer") {
			return token
		}
	}
	return ""
}

type documentRequest struct {
	DocumentID string
	Update     any
}

// parseDocumentRequest reads the first event argument, either an object with
// document_id (and update) or a bare document id string. A trailing ack
// callback is ignored.
func parseDocumentRequest(datas []any) documentRequest {
	if len(datas) == 0 {
		return documentRequest{}
	}
	switch v := datas[0].(type) {
	case map[string]any:
		req := documentRequest{Update: v["update"]}
		req.DocumentID = documentID(v["document_id"])
		return req
	case string:
		return documentRequest{DocumentID: v}
	}
	return documentRequest{}
}

func documentID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		// JSON numbers decode as float64; integral ids are common.
		if id == float64(int64(id)) {
			return fmt.Sprintf("%d", int64(id))
		}
	}
	return ""
}

// decodeUpdate accepts binary attachments as well as the plain byte arrays
// some clients send instead.
func decodeUpdate(v any) ([]byte, bool) {
	switch u := v.(type) {
	case types.BufferInterface:
		return append([]byte(nil), u.Bytes()...), true
	case []byte:
		return u, true
	case []any:
		out := make([]byte, len(u))
		for i, b := range u {
			n, ok := b.(float64)
			if !ok || n < 0 || n > 255 || n != float64(int(n)) {
				return nil, false
			}
			out[i] = byte(n)
		}
		return out, true
	case map[string]any:
		// Node's Buffer.toJSON shape: {"type":"Buffer","data":[...]}.
		if u["type"] == "Buffer" {
			return decodeUpdate(u["data"])
		}
	}
	return nil, false
}

// encodeNotification maps a session notification onto its event name and payload.
func encodeNotification(n session.Notification) (string, any, bool) {
	switch n := n.(type) {
	case session.ParticipantJoined:
		return EventUserJoined, map[string]any{
			"user_id":  n.Participant.ID,
			"username": n.Participant.Name,
		}, true
	case session.ParticipantLeft:
		return EventUserLeft, map[string]any{
			"user_id": n.ParticipantID,
		}, true
	case session.RosterSnapshot:
		users := make([]map[string]any, 0, len(n.Participants))
		for _, p := range n.Participants {
			users = append(users, map[string]any{
				"user_id":  p.ID,
				"username": p.Name,
			})
		}
		return EventActiveUsers, users, true
	case session.Update:
		return EventUpdate, map[string]any{
			"update": types.NewBytesBuffer(n.Payload),
		}, true
	}
	return "", nil, false
}
