package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"speedcode/app"
	"speedcode/models"
	"speedcode/utils"

	"github.com/gin-gonic/gin"
)

// --- Create Session ---

// SessionResponse is returned after a session is established or refreshed.
type SessionResponse struct {
	Identity models.Identity `json:"identity"`
	Token    string          `json:"token"`
	State    string          `json:"state"`
}

// CreateSessionHandler establishes the anonymous session.
// @Summary      Start an Anonymous Session
// @Description  Signs in anonymously and returns the resulting identity plus a bearer token for subsequent requests.
// @Description  Calling this again while a session already exists is harmless: the existing identity is returned.
// @Tags         Session
// @Produce      json
// @Success      200  {object}  SessionResponse "Session established."
// @Failure      401  {object}  utils.APIError "Sign-in failed or timed out."
// @Router       /auth/session [post]
func CreateSessionHandler(c *gin.Context, application *app.App) {
	identity, err := application.Identity.Initialize(c.Request.Context())
	if err != nil {
		var authErr *models.AuthenticationError
		if errors.As(err, &authErr) {
			utils.GinUnauthorized(c, fmt.Sprintf("Sign-in failed: %v", authErr))
			return
		}
		utils.GinInternalServerError(c, fmt.Sprintf("Sign-in failed: %v", err))
		return
	}

	c.JSON(http.StatusOK, SessionResponse{
		Identity: identity,
		Token:    application.Identity.Token(),
		State:    application.Identity.State().String(),
	})
}

// --- Get Session ---

// GetSessionHandler returns the current identity without side effects.
// @Summary      Inspect the Current Session
// @Description  Returns the current identity and lifecycle state. 404 when no session has been established yet.
// @Tags         Session
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  SessionResponse
// @Failure      404  {object}  utils.APIError "No session established."
// @Router       /auth/session [get]
func GetSessionHandler(c *gin.Context, application *app.App) {
	identity, ok := application.Identity.Current()
	if !ok {
		utils.GinNotFound(c, "No session has been established.")
		return
	}
	c.JSON(http.StatusOK, SessionResponse{
		Identity: identity,
		Token:    application.Identity.Token(),
		State:    application.Identity.State().String(),
	})
}

// --- Set / Change Username ---

// UsernameRequest carries the desired display name.
type UsernameRequest struct {
	Username string `json:"username" binding:"required"`
}

// SetUsernameHandler stores the display name for the first time.
// @Summary      Choose a Display Name
// @Description  Stores a display name on the current user's record. Names are 2-20 characters after trimming; there is no uniqueness check, so two users may share a name.
// @Tags         Session
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        username body UsernameRequest true "The display name to store."
// @Success      200  {object}  models.Identity
// @Failure      400  {object}  utils.APIError "Name fails validation."
// @Failure      401  {object}  utils.APIError "No authenticated session."
// @Router       /auth/username [post]
func SetUsernameHandler(c *gin.Context, application *app.App) {
	handleUsername(c, application, application.Identity.SetupUsername)
}

// UpdateUsernameHandler changes an existing display name.
// @Summary      Change the Display Name
// @Description  Replaces the stored display name. Same validation rules as choosing one.
// @Tags         Session
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        username body UsernameRequest true "The new display name."
// @Success      200  {object}  models.Identity
// @Failure      400  {object}  utils.APIError "Name fails validation."
// @Failure      401  {object}  utils.APIError "No authenticated session."
// @Router       /auth/username [put]
func UpdateUsernameHandler(c *gin.Context, application *app.App) {
	handleUsername(c, application, application.Identity.UpdateUsername)
}

func handleUsername(c *gin.Context, application *app.App, store func(context.Context, string) (models.Identity, error)) {
	var req UsernameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.GinBadRequest(c, fmt.Sprintf("Invalid request body: %v. 'username' must be provided.", err))
		return
	}

	identity, err := store(c.Request.Context(), req.Username)
	if err != nil {
		var validationErr *models.ValidationError
		switch {
		case errors.As(err, &validationErr):
			utils.GinBadRequest(c, validationErr.Error())
		case errors.Is(err, models.ErrNotAuthenticated):
			utils.GinUnauthorized(c, "No authenticated session.")
		default:
			utils.GinInternalServerError(c, fmt.Sprintf("Failed to store username: %v", err))
		}
		return
	}
	c.JSON(http.StatusOK, identity)
}

// --- Sign Out ---

// SignOutHandler drops the session.
// @Summary      Sign Out
// @Description  Clears the in-memory session and cancels all bucket listeners. The remote user record is untouched.
// @Tags         Session
// @Produce      json
// @Security     BearerAuth
// @Success      204  "Session cleared."
// @Router       /auth/session [delete]
func SignOutHandler(c *gin.Context, application *app.App) {
	application.Bucket.RemoveAllListeners()
	application.Identity.SignOut()
	c.Status(http.StatusNoContent)
}
