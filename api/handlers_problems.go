package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"speedcode/app"
	"speedcode/models"
	"speedcode/utils"

	"github.com/gin-gonic/gin"
)

// bucketScope reads the optional ?room= query parameter. Empty means the
// personal bucket.
func bucketScope(c *gin.Context) string {
	return c.Query("room")
}

// writeBucketError maps repository errors onto HTTP statuses.
func writeBucketError(c *gin.Context, err error) {
	var validationErr *models.ValidationError
	switch {
	case errors.Is(err, models.ErrNotAuthenticated):
		utils.GinUnauthorized(c, "No authenticated session.")
	case errors.Is(err, models.ErrNotFound):
		utils.GinNotFound(c, "The addressed bucket does not exist.")
	case errors.As(err, &validationErr):
		utils.GinBadRequest(c, validationErr.Error())
	default:
		utils.GinInternalServerError(c, fmt.Sprintf("Bucket operation failed: %v", err))
	}
}

// --- List Problems ---

// GetProblemsResponse wraps a bucket's problem list.
type GetProblemsResponse struct {
	Problems []models.ProblemRecord `json:"problems"`
	Total    int                    `json:"total"`
}

// GetProblemsHandler lists the problems in a bucket.
// @Summary      List Bucket Problems
// @Description  Returns the ordered problem records of the personal bucket, or of a room bucket when `?room=` is given. An empty bucket (or one that has never been written) yields an empty list, not an error.
// @Tags         Problems
// @Produce      json
// @Security     BearerAuth
// @Param        room query string false "Room id of the bucket to read. Omit for the personal bucket." example(AB12CD)
// @Success      200  {object}  GetProblemsResponse
// @Failure      401  {object}  utils.APIError "No authenticated session."
// @Router       /problems [get]
func GetProblemsHandler(c *gin.Context, application *app.App) {
	problems, err := application.Bucket.GetProblems(c.Request.Context(), bucketScope(c))
	if err != nil {
		writeBucketError(c, err)
		return
	}
	c.JSON(http.StatusOK, GetProblemsResponse{Problems: problems, Total: len(problems)})
}

// --- Add Problem ---

// AddProblemRequest carries the problem to store. Only the URL is required;
// missing fields are defaulted server-side.
type AddProblemRequest struct {
	URL           string `json:"url" binding:"required"`
	ProblemTitle  string `json:"problemTitle"`
	ProblemNumber string `json:"problemNumber"`
	Difficulty    string `json:"difficulty"`
}

// AddProblemHandler appends a problem to a bucket.
// @Summary      Add a Problem
// @Description  Appends a problem to the personal bucket or, with `?room=`, to a room bucket. Duplicate detection compares normalized URLs (lowercased, trimmed to the problem slug), so the same problem pasted with different query strings or casing is still recognized. A duplicate returns 200 with `alreadyExists` set and leaves the bucket unchanged; a fresh addition returns 201.
// @Tags         Problems
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        room    query string false "Room id of the target bucket." example(AB12CD)
// @Param        problem body  AddProblemRequest true "The problem to add. Missing title, number, or difficulty are defaulted."
// @Success      201  {object}  bucket.AddResult "Problem added."
// @Success      200  {object}  bucket.AddResult "Already present; bucket unchanged."
// @Failure      400  {object}  utils.APIError "Missing URL."
// @Failure      401  {object}  utils.APIError "No authenticated session."
// @Failure      404  {object}  utils.APIError "Room bucket does not exist."
// @Router       /problems [post]
func AddProblemHandler(c *gin.Context, application *app.App) {
	var req AddProblemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.GinBadRequest(c, fmt.Sprintf("Invalid request body: %v. 'url' must be provided.", err))
		return
	}

	addedBy := ""
	if identity, ok := application.Identity.Current(); ok {
		addedBy = identity.Username
	}

	record := models.ProblemRecord{
		URL:           req.URL,
		ProblemTitle:  req.ProblemTitle,
		ProblemNumber: req.ProblemNumber,
		Difficulty:    req.Difficulty,
	}
	result, err := application.Bucket.AddProblem(c.Request.Context(), record, bucketScope(c), addedBy)
	if err != nil {
		writeBucketError(c, err)
		return
	}
	if result.AlreadyExists {
		c.JSON(http.StatusOK, result)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// --- Remove Problem ---

// RemoveProblemHandler removes the problem at a position.
// @Summary      Remove a Problem
// @Description  Removes the problem at the given index, preserving the order of the rest. An out-of-range index is a no-op, not an error.
// @Tags         Problems
// @Produce      json
// @Security     BearerAuth
// @Param        index path  int    true  "Zero-based position of the problem to remove." example(0)
// @Param        room  query string false "Room id of the target bucket." example(AB12CD)
// @Success      204  "Removed (or index out of range)."
// @Failure      400  {object}  utils.APIError "Index is not a number."
// @Failure      401  {object}  utils.APIError "No authenticated session."
// @Router       /problems/{index} [delete]
func RemoveProblemHandler(c *gin.Context, application *app.App) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		utils.GinBadRequest(c, fmt.Sprintf("Invalid index '%s': must be a number.", c.Param("index")))
		return
	}

	if err := application.Bucket.RemoveProblem(c.Request.Context(), index, bucketScope(c)); err != nil {
		writeBucketError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Record Attempt Time ---

// AddTimeRequest carries one timed attempt.
type AddTimeRequest struct {
	ProblemTitle string `json:"problemTitle" binding:"required"`
	Time         string `json:"time" binding:"required"`
	Username     string `json:"username"`
}

// AddProblemTimeHandler appends a timed attempt to a problem record.
// @Summary      Record an Attempt Time
// @Description  Appends a time entry to the first problem whose title matches exactly. Entries are append-only; history is never rewritten. If no record matches the title the request succeeds without changing anything.
// @Tags         Problems
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        room query string false "Room id of the target bucket." example(AB12CD)
// @Param        time body  AddTimeRequest true "The attempt. Time is a display string such as '12m 30s'."
// @Success      204  "Recorded (or no matching record)."
// @Failure      400  {object}  utils.APIError "Missing title or time."
// @Failure      401  {object}  utils.APIError "No authenticated session."
// @Router       /problems/times [post]
func AddProblemTimeHandler(c *gin.Context, application *app.App) {
	var req AddTimeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.GinBadRequest(c, fmt.Sprintf("Invalid request body: %v. 'problemTitle' and 'time' must be provided.", err))
		return
	}

	username := req.Username
	if username == "" {
		if identity, ok := application.Identity.Current(); ok {
			username = identity.Username
		}
	}

	entry := models.TimeEntry{Time: req.Time, Username: username}
	if err := application.Bucket.AddProblemTime(c.Request.Context(), req.ProblemTitle, entry, bucketScope(c)); err != nil {
		writeBucketError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Verify Bucket Structure ---

// VerifyResponse reports whether a repair write happened.
type VerifyResponse struct {
	Repaired bool `json:"repaired"`
}

// VerifyBucketHandler normalizes stored records to the canonical shape.
// @Summary      Verify Bucket Structure
// @Description  Normalizes every stored record (missing fields defaulted, malformed times arrays reset) and writes back only if something actually changed. Useful after schema drift between versions.
// @Tags         Problems
// @Produce      json
// @Security     BearerAuth
// @Param        room query string false "Room id of the bucket to verify." example(AB12CD)
// @Success      200  {object}  VerifyResponse
// @Failure      401  {object}  utils.APIError "No authenticated session."
// @Router       /problems/verify [post]
func VerifyBucketHandler(c *gin.Context, application *app.App) {
	repaired, err := application.Bucket.VerifyBucketStructure(c.Request.Context(), bucketScope(c))
	if err != nil {
		writeBucketError(c, err)
		return
	}
	c.JSON(http.StatusOK, VerifyResponse{Repaired: repaired})
}
