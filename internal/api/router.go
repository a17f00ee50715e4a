// Package api is HTTP host surface over integration calls.
package api

import (
	"expvar"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/zlobober/qingping-cgs1/internal/convert"
	"github.com/zlobober/qingping-cgs1/internal/device"
	"github.com/zlobober/qingping-cgs1/internal/integration"
	"github.com/zlobober/qingping-cgs1/internal/store"
	"github.com/zlobober/qingping-cgs1/log2"
)

// Host is implemented by *integration.Integration.
type Host interface {
	Register(mac string, model device.Model, name string) (store.Device, error)
	Device(mac string) (store.Device, error)
	Devices() []store.Device
	SetOffset(mac string, code device.SensorCode, offset float64) error
	SetDesiredConfig(mac string, c device.Config) error
	Units() convert.Units
	SetUnits(u convert.Units) error
	Present(mac string) ([]convert.Value, error)
	Calibrate(mac string) error
	RequestSettings(mac string) error
	Discoveries() []integration.Discovery
	Stat() integration.Stat
}

type Router struct {
	log    *log2.Log
	engine *gin.Engine
	host   Host
}

// NewRouter does not change gin mode, caller decides.
func NewRouter(log *log2.Log, host Host) *Router {
	r := &Router{log: log, engine: gin.New(), host: host}
	r.engine.Use(gin.Recovery(), r.requestLogger())
	r.engine.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))
	r.routes()
	return r
}

func (r *Router) Handler() http.Handler { return r.engine }

func (r *Router) routes() {
	r.engine.GET("/health", r.health)
	r.engine.GET("/debug/vars", gin.WrapH(expvar.Handler()))

	v1 := r.engine.Group("/api/v1")
	v1.GET("/discovery", r.discovery)
	v1.GET("/units", r.getUnits)
	v1.PUT("/units", r.setUnits)

	devices := v1.Group("/devices")
	devices.GET("", r.listDevices)
	devices.POST("", r.register)
	devices.GET("/:mac", r.getDevice)
	devices.PUT("/:mac/offsets/:sensor", r.setOffset)
	devices.PUT("/:mac/config", r.setConfig)
	devices.POST("/:mac/calibrate", r.calibrate)
	devices.POST("/:mac/request-settings", r.requestSettings)
}

func (r *Router) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		level := log2.LDebug
		switch {
		case status >= 500:
			level = log2.LError
		case status >= 400:
			level = log2.LInfo
		}
		r.log.Logf(level, "api %s %s status=%d latency=%v", c.Request.Method, c.Request.URL.Path, status, time.Since(start))
	}
}
