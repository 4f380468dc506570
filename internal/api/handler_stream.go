package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"studio-booking-backend/internal/model"
	"studio-booking-backend/internal/mw"
	"studio-booking-backend/internal/store"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
)

func newUpgrader(origins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin] || allowed["*"]
		},
	}
}

// snapshotMessage is the first frame of a stream.
type snapshotMessage struct {
	Type     string              `json:"type"`
	Bookings []model.Reservation `json:"bookings"`
}

// StreamBookings handles GET /api/bookings/stream. The caller receives its
// reservations newest first, then every committed change. A stream that
// falls behind is closed with CloseTryAgainLater.
func (h *Handler) StreamBookings(c *gin.Context) {
	uid := mw.UID(c)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	snapshot, changes, unsubscribe, err := h.svc.Subscribe(ctx, uid)
	if err != nil {
		writeError(c, err)
		return
	}
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("stream: upgrade failed uid=%s: %v", uid, err)
		return
	}
	defer conn.Close()

	if snapshot == nil {
		snapshot = []model.Reservation{}
	}
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(snapshotMessage{Type: "snapshot", Bookings: snapshot}); err != nil {
		return
	}

	// The read loop only exists to notice the client going away.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("stream: read error uid=%s: %v", uid, err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case change, ok := <-changes:
			if !ok {
				// The feed dropped this subscriber; the client resubscribes
				// for a fresh snapshot.
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resubscribe"),
					time.Now().Add(time.Second))
				return
			}
			if err := writeChange(conn, change); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeChange(conn *websocket.Conn, change store.Change) error {
	// Hidden rows are on their way out; the owner sees them as deleted.
	if change.Reservation != nil && change.Reservation.Hidden() {
		change.Type = store.ChangeDelete
		change.Reservation = nil
	}
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(change)
}
