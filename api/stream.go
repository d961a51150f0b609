package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"speedcode/app"
	"speedcode/db"
	"speedcode/models"
	"speedcode/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Same-origin policy does not apply to extension clients.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// StreamEvent is one websocket frame pushed to a room stream client.
type StreamEvent struct {
	RoomID   string                 `json:"roomId"`
	Exists   bool                   `json:"exists"`
	Problems []models.ProblemRecord `json:"problems"`
}

// RoomStreamHandler upgrades the connection to a websocket and pushes a
// frame on every change to the room's bucket, starting with the current
// contents. Closing the socket cancels the underlying subscription.
// @Summary      Stream Room Changes
// @Description  Websocket endpoint. After the upgrade the server immediately sends the room's current problems and then one frame per remote change. The room-wide listener registry applies: opening a second stream for the same room from the same process replaces the first.
// @Tags         Rooms
// @Param        id path string true "The 6-character room id." example(AB12CD)
// @Success      101  "Switching Protocols."
// @Failure      400  {object}  utils.APIError "Malformed room id."
// @Router       /rooms/{id}/stream [get]
func RoomStreamHandler(c *gin.Context, application *app.App) {
	roomID, err := models.ValidateRoomID(c.Param("id"))
	if err != nil {
		utils.GinBadRequest(c, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ERROR: Websocket upgrade failed for room %s: %v", roomID, err)
		return
	}

	// Writes come from subscription callbacks and the ping loop; gorilla
	// connections allow one concurrent writer.
	var writeMu sync.Mutex
	writeFrame := func(event StreamEvent) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(event)
	}

	done := make(chan struct{})
	var closeOnce sync.Once
	closeStream := func() {
		closeOnce.Do(func() {
			application.Bucket.StopListeningToBucket(roomID)
			close(done)
			conn.Close()
		})
	}

	err = application.Bucket.ListenToBucket(roomID, func(problems []models.ProblemRecord, raw db.Snapshot) {
		if err := writeFrame(StreamEvent{RoomID: roomID, Exists: raw.Exists, Problems: problems}); err != nil {
			log.Printf("DEBUG: Room %s stream write failed, closing: %v", roomID, err)
			closeStream()
		}
	})
	if err != nil {
		writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		writeMu.Unlock()
		conn.Close()
		return
	}

	// The initial snapshot is delivered before the listener registers; if
	// that first write already failed, the registered subscription must be
	// released here.
	select {
	case <-done:
		application.Bucket.StopListeningToBucket(roomID)
		return
	default:
	}

	log.Printf("INFO: Room %s stream opened from %s", roomID, c.ClientIP())

	// Reader loop: we expect no client frames, but reading drives the pong
	// handler and detects the close.
	go func() {
		defer closeStream()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			log.Printf("INFO: Room %s stream closed", roomID)
			return
		case <-ticker.C:
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			pingErr := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if pingErr != nil {
				closeStream()
				return
			}
		}
	}
}
