package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/sebaswaton/reciapp-dispatch/internal/events"
	"github.com/sebaswaton/reciapp-dispatch/internal/models"
	"github.com/sebaswaton/reciapp-dispatch/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS attaches the caller's transport and runs its read loop. The
// role comes from the rol query parameter; the clients connect to
// /ws/{user_id}?rol=ciudadano|reciclador.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	role := models.Role(r.URL.Query().Get("rol"))
	if userID == "" || !role.Valid() {
		http.Error(w, "user id and valid rol required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "user_id", userID, "error", err)
		return
	}
	s.co.Attach(userID, role, conn)
	go s.readLoop(conn, userID, role)
}

func (s *Server) readLoop(conn *websocket.Conn, userID string, role models.Role) {
	defer func() {
		s.co.Detach(userID, conn)
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		in, err := events.Decode(data)
		if err != nil {
			s.logger.Warn("bad frame", "user_id", userID, "error", err)
			s.reg.Send(userID, events.ErrorEvent(events.CodeBadRequest, "", "mensaje no reconocido"))
			continue
		}
		s.dispatch(userID, role, in)
	}
}

// dispatch routes one inbound frame to the coordinator. Lifecycle
// violations go back to the originating actor as an explicit error
// event; relay rejections are dropped silently as the relay already
// logged them.
func (s *Server) dispatch(userID string, role models.Role, in events.Inbound) {
	switch in.Type {
	case events.TypeAcceptRequest:
		if _, err := s.co.Accept(userID, in.RequestID); err != nil {
			s.sendError(userID, in.RequestID, err)
		}

	case events.TypeRejectRequest:
		s.co.Reject(userID, in.RequestID)

	case events.TypeCompleteRequest:
		if _, err := s.co.Complete(userID, in.RequestID); err != nil {
			s.sendError(userID, in.RequestID, err)
		}

	case events.TypeCancelRequest:
		if _, err := s.co.Cancel(userID, in.RequestID); err != nil {
			s.sendError(userID, in.RequestID, err)
		}

	case events.TypeRecyclerLocation:
		_ = s.co.PublishLocation(userID, in.RequestID, models.Coord{Lat: in.Lat, Lng: in.Lng})

	case events.TypeAvailability:
		if role == models.RoleRecycler && in.Available != nil {
			s.co.SetAvailability(userID, *in.Available)
		}

	case events.TypeNewRequest:
		// clients echo a freshly created request over the socket; treat
		// it as a re-broadcast ask for the already-stored record
		id := in.RequestID
		if id == "" && in.Request != nil {
			id = in.Request.ID
		}
		if err := s.co.Broadcast(id); err != nil {
			s.sendError(userID, id, err)
		}

	default:
		s.logger.Warn("unknown event type", "user_id", userID, "type", in.Type)
		s.reg.Send(userID, events.ErrorEvent(events.CodeBadRequest, in.RequestID, "tipo de evento desconocido"))
	}
}

func (s *Server) sendError(userID, requestID string, err error) {
	var (
		conflict *store.ConflictError
		invalid  *store.InvalidTransitionError
		notFound *store.NotFoundError
	)
	switch {
	case errors.As(err, &conflict):
		s.reg.Send(userID, events.ErrorEvent(events.CodeConflict, requestID, "la solicitud ya no está disponible"))
	case errors.As(err, &invalid), errors.As(err, &notFound):
		s.reg.Send(userID, events.ErrorEvent(events.CodeInvalidTransition, requestID, err.Error()))
	default:
		s.reg.Send(userID, events.ErrorEvent(events.CodeBadRequest, requestID, err.Error()))
	}
}
