package api

import (
	"net/http"
	"time"

	"smart_bays/internal/api/handler"
	"smart_bays/internal/api/middleware"
	"smart_bays/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the services the HTTP layer translates requests onto.
type Deps struct {
	Coordinator *service.Coordinator
	Ledger      *service.WalletLedger
	Ingest      handler.ReportIngester
	Auth        *middleware.AuthMiddleware
	Limiter     *middleware.RateLimiter
	WSManager   *handler.WebSocketManager
	// CommandTimeout bounds each API request; zero leaves requests unbounded.
	CommandTimeout time.Duration
}

func SetupRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
	if d.Limiter != nil {
		r.Use(d.Limiter.Limit())
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if d.WSManager != nil {
		wsHandler := handler.NewWebSocketHandler(d.WSManager)
		r.GET("/ws", wsHandler.HandleWebSocket)
	}

	if d.Ingest != nil {
		sensorH := handler.NewSensorHandler(d.Ingest)
		r.POST("/iot/sensor-reports", sensorH.Report)
	}

	bookingH := handler.NewBookingHandler(d.Coordinator)
	walletH := handler.NewWalletHandler(d.Ledger)
	bayH := handler.NewBayHandler(d.Coordinator)

	v1 := r.Group("/api/v1")
	v1.Use(d.Auth.Authenticate())
	if d.CommandTimeout > 0 {
		v1.Use(middleware.Deadline(d.CommandTimeout))
	}
	{
		v1.GET("/bays", bayH.List)

		bookingRoutes := v1.Group("/bookings")
		{
			bookingRoutes.POST("", bookingH.Reserve)
			bookingRoutes.GET("/active", bookingH.Active)
			bookingRoutes.GET("/:id", bookingH.Get)
			bookingRoutes.POST("/:id/cancel", bookingH.Cancel)
		}

		walletRoutes := v1.Group("/wallet")
		{
			walletRoutes.GET("", walletH.Summary)
			walletRoutes.POST("/topup", walletH.TopUp)
		}

		adminRoutes := v1.Group("/admin")
		adminRoutes.Use(d.Auth.AuthorizeRole(middleware.RoleAdmin))
		{
			adminRoutes.POST("/wallet/charge", walletH.Charge)
			adminRoutes.POST("/bookings/:id/adjust", bookingH.AdjustCharge)
			adminRoutes.PUT("/bays/:name/led", bayH.SetLed)
		}
	}
	return r
}
