package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"speedcode/api"
	"speedcode/app"
	"speedcode/config"
	"speedcode/utils"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"     // swagger embed files
	ginSwagger "github.com/swaggo/gin-swagger" // gin-swagger middleware
)

// @title           Speedcode Sync API
// @version         1.1.0

// @description     ## Speedcode Sync API
// @description
// @description     Backend sync core for the Speedcode practice tracker. It keeps a bucket of
// @description     coding problems per user, lets users create and join shared rooms whose
// @description     buckets sync to every member, and records per-problem attempt times.
// @description
// @description     **High-Level Overview:**
// @description     *   Start an anonymous session (`POST /auth/session`), then pick a display name.
// @description     *   Add problems to your personal bucket, or to a room bucket with `?room=<id>`.
// @description     *   Duplicate detection is by normalized problem URL, so pasting the same problem
// @description         with a different query string or casing does not create a second entry.
// @description     *   Record attempt times per problem; the history is append-only.
// @description     *   Stream live room changes over a websocket (`GET /rooms/{id}/stream`).
// @description     *   The `/message` endpoint mirrors the extension's message bus: problem-page
// @description         detection, client-side error and event logging, and extension info.

// @host      localhost:8080
// @BasePath  /

// @securityDefinitions.jwt BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.
func main() {
	// --- Configuration ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("CRITICAL: Failed to load configuration: %v", err)
	}

	// --- Application ---
	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("CRITICAL: Failed to initialize application: %v", err)
	}
	defer application.Teardown()

	// --- Gin Router Setup ---
	router := gin.Default()

	// --- Public Routes (No Auth Required) ---
	authGroup := router.Group("/auth")
	{
		// POST /auth/session
		authGroup.POST("/session", func(c *gin.Context) {
			api.CreateSessionHandler(c, application)
		})
	}

	// POST /message: the extension's message bus has no auth layer
	router.POST("/message", func(c *gin.Context) {
		api.MessageHandler(c, application)
	})

	// --- Protected Routes (Auth Required) ---
	authMiddleware := utils.AuthMiddleware(cfg)

	sessionGroup := router.Group("/auth")
	sessionGroup.Use(authMiddleware)
	{
		// GET /auth/session
		sessionGroup.GET("/session", func(c *gin.Context) {
			api.GetSessionHandler(c, application)
		})
		// DELETE /auth/session
		sessionGroup.DELETE("/session", func(c *gin.Context) {
			api.SignOutHandler(c, application)
		})
		// POST /auth/username
		sessionGroup.POST("/username", func(c *gin.Context) {
			api.SetUsernameHandler(c, application)
		})
		// PUT /auth/username
		sessionGroup.PUT("/username", func(c *gin.Context) {
			api.UpdateUsernameHandler(c, application)
		})
	}

	// Problem Routes
	problemGroup := router.Group("/problems")
	problemGroup.Use(authMiddleware)
	{
		// GET /problems
		problemGroup.GET("", func(c *gin.Context) {
			api.GetProblemsHandler(c, application)
		})
		// POST /problems
		problemGroup.POST("", func(c *gin.Context) {
			api.AddProblemHandler(c, application)
		})
		// POST /problems/times
		problemGroup.POST("/times", func(c *gin.Context) {
			api.AddProblemTimeHandler(c, application)
		})
		// POST /problems/verify
		problemGroup.POST("/verify", func(c *gin.Context) {
			api.VerifyBucketHandler(c, application)
		})
		// DELETE /problems/{index}
		problemGroup.DELETE("/:index", func(c *gin.Context) {
			api.RemoveProblemHandler(c, application)
		})
	}

	// Room Routes
	roomGroup := router.Group("/rooms")
	roomGroup.Use(authMiddleware)
	{
		// GET /rooms
		roomGroup.GET("", func(c *gin.Context) {
			api.GetJoinedRoomsHandler(c, application)
		})
		// POST /rooms
		roomGroup.POST("", func(c *gin.Context) {
			api.CreateRoomHandler(c, application)
		})
		// GET /rooms/{id}
		roomGroup.GET("/:id", func(c *gin.Context) {
			api.GetRoomHandler(c, application)
		})
		// POST /rooms/{id}/join
		roomGroup.POST("/:id/join", func(c *gin.Context) {
			api.JoinRoomHandler(c, application)
		})
	}

	// GET /rooms/{id}/stream: websockets carry no Authorization header from
	// browser clients, so the stream sits outside the middleware
	router.GET("/rooms/:id/stream", func(c *gin.Context) {
		api.RoomStreamHandler(c, application)
	})

	// --- Swagger Route ---
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// --- Start Server ---
	listenAddr := fmt.Sprintf("%s:%s", cfg.ListenAddress, cfg.ListenPort)
	log.Printf("INFO: Starting server on %s", listenAddr)

	server := &http.Server{
		Addr:    listenAddr,
		Handler: router,
	}

	// Flush both stores on SIGINT/SIGTERM before exiting.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Printf("INFO: Shutting down")
		application.Teardown()
		os.Exit(0)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("CRITICAL: Server failed to start: %v", err)
	}
}
