package api

import (
	"fmt"
	"log"
	"net/http"

	"speedcode/app"
	"speedcode/utils"

	"github.com/gin-gonic/gin"
)

// Message actions. Responses, where present, are delivered synchronously in
// the HTTP response body; fire-and-forget actions return 204.
const (
	ActionGetProblemInfo   = "getProblemInfo"
	ActionLogError         = "LOG_ERROR"
	ActionLogEvent         = "LOG_EVENT"
	ActionGetExtensionInfo = "GET_EXTENSION_INFO"
	ActionTabOpened        = "TAB_OPENED"
	ActionTabClosed        = "TAB_CLOSED"
)

// Message is the envelope for the dispatch endpoint. Action selects the
// behavior; Payload carries action-specific data.
type Message struct {
	Action  string         `json:"action" binding:"required"`
	Payload map[string]any `json:"payload"`
}

// ExtensionInfo is the response for GET_EXTENSION_INFO.
type ExtensionInfo struct {
	Version      string `json:"version"`
	ActiveTabIDs []int  `json:"activeTabIds"`
}

// MessageHandler dispatches a message envelope to its action.
// @Summary      Dispatch a Message
// @Description  Single dispatch endpoint mirroring the extension's message bus. Supported actions:
// @Description  *   `getProblemInfo`: payload `{"url": "..."}`; returns whether the URL is a problem page and, if so, its title, number, and difficulty.
// @Description  *   `LOG_ERROR`: payload `{"message": "...", "context": "..."}`; logged server-side, returns 204.
// @Description  *   `LOG_EVENT`: payload `{"event": "...", "data": {...}}`; logged server-side, returns 204.
// @Description  *   `GET_EXTENSION_INFO`: returns the build version and the currently tracked tab ids.
// @Description  *   `TAB_OPENED` / `TAB_CLOSED`: payload `{"tabId": 42}`; maintains the active tab set.
// @Description  Unknown actions are rejected with 400.
// @Tags         Messages
// @Accept       json
// @Produce      json
// @Param        message body Message true "The message envelope."
// @Success      200  {object}  map[string]any "Action-specific response."
// @Success      204  "Fire-and-forget action accepted."
// @Failure      400  {object}  utils.APIError "Unknown action or malformed payload."
// @Router       /message [post]
func MessageHandler(c *gin.Context, application *app.App) {
	var msg Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		utils.GinBadRequest(c, fmt.Sprintf("Invalid message envelope: %v. 'action' must be provided.", err))
		return
	}

	switch msg.Action {
	case ActionGetProblemInfo:
		handleGetProblemInfo(c, application, msg.Payload)

	case ActionLogError:
		message, _ := msg.Payload["message"].(string)
		errContext, _ := msg.Payload["context"].(string)
		log.Printf("ERROR: [client] %s (context: %s)", message, errContext)
		c.Status(http.StatusNoContent)

	case ActionLogEvent:
		event, _ := msg.Payload["event"].(string)
		log.Printf("INFO: [client event] %s: %v", event, msg.Payload["data"])
		c.Status(http.StatusNoContent)

	case ActionGetExtensionInfo:
		c.JSON(http.StatusOK, ExtensionInfo{
			Version:      app.Version,
			ActiveTabIDs: application.ActiveTabs(),
		})

	case ActionTabOpened:
		if id, ok := tabID(msg.Payload); ok {
			application.TrackTab(id)
			c.Status(http.StatusNoContent)
			return
		}
		utils.GinBadRequest(c, "TAB_OPENED requires a numeric 'tabId' in the payload.")

	case ActionTabClosed:
		if id, ok := tabID(msg.Payload); ok {
			application.UntrackTab(id)
			c.Status(http.StatusNoContent)
			return
		}
		utils.GinBadRequest(c, "TAB_CLOSED requires a numeric 'tabId' in the payload.")

	default:
		utils.GinBadRequest(c, fmt.Sprintf("Unknown action '%s'.", msg.Action))
	}
}

func handleGetProblemInfo(c *gin.Context, application *app.App, payload map[string]any) {
	pageURL, _ := payload["url"].(string)
	if pageURL == "" {
		utils.GinBadRequest(c, "getProblemInfo requires a 'url' in the payload.")
		return
	}

	snapshot := application.Detector.Detect(pageURL)
	if snapshot.IsProblem {
		application.State.SetCurrentProblem(&snapshot)
	}
	c.JSON(http.StatusOK, snapshot)
}

// tabID extracts a tab id from a payload, tolerating JSON's float64 numbers.
func tabID(payload map[string]any) (int, bool) {
	raw, ok := payload["tabId"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
