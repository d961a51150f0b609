package api

import (
	"fmt"
	"net/http"

	"speedcode/app"
	"speedcode/utils"

	"github.com/gin-gonic/gin"
)

// --- Create Room ---

// CreateRoomRequest carries the room's display name.
type CreateRoomRequest struct {
	Name string `json:"name" binding:"required"`
}

// CreateRoomResponse returns the generated room id.
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
}

// CreateRoomHandler creates a shared room.
// @Summary      Create a Room
// @Description  Creates a room with a random 6-character id and adds the creator as its first member. The room's bucket starts empty.
// @Description  Room creation is two independent writes (the room document, then the creator's joined-rooms list); if the second fails the room id is still returned so the client can retry joining.
// @Tags         Rooms
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        room body CreateRoomRequest true "The room's display name."
// @Success      201  {object}  CreateRoomResponse
// @Failure      400  {object}  utils.APIError "Missing or empty name."
// @Failure      401  {object}  utils.APIError "No authenticated session."
// @Router       /rooms [post]
func CreateRoomHandler(c *gin.Context, application *app.App) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.GinBadRequest(c, fmt.Sprintf("Invalid request body: %v. 'name' must be provided.", err))
		return
	}

	createdBy := ""
	if identity, ok := application.Identity.Current(); ok {
		createdBy = identity.Username
	}

	roomID, err := application.Bucket.CreateRoom(c.Request.Context(), req.Name, createdBy)
	if err != nil {
		if roomID != "" {
			// Room exists but the membership write failed; report both.
			c.JSON(http.StatusAccepted, gin.H{"roomId": roomID, "warning": err.Error()})
			return
		}
		writeBucketError(c, err)
		return
	}
	c.JSON(http.StatusCreated, CreateRoomResponse{RoomID: roomID})
}

// --- Join Room ---

// JoinRoomHandler joins an existing room.
// @Summary      Join a Room
// @Description  Adds the current user's display name to the room's member set and the room id to their joined rooms. Joining a room twice is harmless. Requires a username; set one first.
// @Tags         Rooms
// @Produce      json
// @Security     BearerAuth
// @Param        id path string true "The 6-character room id." example(AB12CD)
// @Success      204  "Joined."
// @Failure      400  {object}  utils.APIError "Malformed room id, or no username set."
// @Failure      401  {object}  utils.APIError "No authenticated session."
// @Failure      404  {object}  utils.APIError "Room does not exist."
// @Router       /rooms/{id}/join [post]
func JoinRoomHandler(c *gin.Context, application *app.App) {
	identity, ok := application.Identity.Current()
	if !ok {
		utils.GinUnauthorized(c, "No authenticated session.")
		return
	}

	if err := application.Bucket.JoinRoom(c.Request.Context(), c.Param("id"), identity.Username); err != nil {
		writeBucketError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Get Room ---

// GetRoomHandler returns a room's document.
// @Summary      Inspect a Room
// @Description  Returns the room's name, creator, members, and problem bucket.
// @Tags         Rooms
// @Produce      json
// @Security     BearerAuth
// @Param        id path string true "The 6-character room id." example(AB12CD)
// @Success      200  {object}  models.RoomRecord
// @Failure      400  {object}  utils.APIError "Malformed room id."
// @Failure      404  {object}  utils.APIError "Room does not exist."
// @Router       /rooms/{id} [get]
func GetRoomHandler(c *gin.Context, application *app.App) {
	room, err := application.Bucket.GetRoom(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeBucketError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// --- List Joined Rooms ---

// GetJoinedRoomsHandler lists the rooms the current user has joined.
// @Summary      List Joined Rooms
// @Description  Returns the room ids stored on the current user's record.
// @Tags         Rooms
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  models.UserRecord
// @Failure      401  {object}  utils.APIError "No authenticated session."
// @Router       /rooms [get]
func GetJoinedRoomsHandler(c *gin.Context, application *app.App) {
	record, err := application.Bucket.GetUserRecord(c.Request.Context())
	if err != nil {
		writeBucketError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}
