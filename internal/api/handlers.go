package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/juju/errors"
	"github.com/zlobober/qingping-cgs1/internal/convert"
	"github.com/zlobober/qingping-cgs1/internal/device"
	"github.com/zlobober/qingping-cgs1/internal/integration"
	"github.com/zlobober/qingping-cgs1/internal/store"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status    string           `json:"status"`
	Devices   int              `json:"devices"`
	Stat      integration.Stat `json:"stat"`
	Timestamp time.Time        `json:"timestamp"`
}

type DeviceResponse struct {
	Device store.Device    `json:"device"`
	Values []convert.Value `json:"values"`
}

type ListDevicesResponse struct {
	Devices []store.Device `json:"devices"`
	Count   int            `json:"count"`
}

type RegisterRequest struct {
	MAC   string `json:"mac" binding:"required"`
	Model string `json:"model" binding:"required"`
	Name  string `json:"name"`
}

type OffsetRequest struct {
	Offset *float64 `json:"offset" binding:"required"`
}

type DiscoveryResponse struct {
	Discoveries []integration.Discovery `json:"discoveries"`
}

func (r *Router) health(c *gin.Context) {
	s := r.host.Stat()
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Devices: s.Devices, Stat: s, Timestamp: time.Now()})
}

func (r *Router) listDevices(c *gin.Context) {
	ds := r.host.Devices()
	c.JSON(http.StatusOK, ListDevicesResponse{Devices: ds, Count: len(ds)})
}

func (r *Router) getDevice(c *gin.Context) {
	d, err := r.host.Device(c.Param("mac"))
	if err != nil {
		r.fail(c, err)
		return
	}
	values, err := r.host.Present(string(d.MAC))
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, DeviceResponse{Device: d, Values: values})
}

func (r *Router) register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		r.fail(c, errors.NewNotValid(err, "request"))
		return
	}
	model, err := device.ParseModel(req.Model)
	if err != nil {
		r.fail(c, err)
		return
	}
	d, err := r.host.Register(req.MAC, model, req.Name)
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, DeviceResponse{Device: d, Values: []convert.Value{}})
}

func (r *Router) setOffset(c *gin.Context) {
	code, err := device.ParseSensorCode(c.Param("sensor"))
	if err != nil {
		r.fail(c, err)
		return
	}
	var req OffsetRequest
	if err = c.ShouldBindJSON(&req); err != nil {
		r.fail(c, errors.NewNotValid(err, "request"))
		return
	}
	if err = r.host.SetOffset(c.Param("mac"), code, *req.Offset); err != nil {
		r.fail(c, err)
		return
	}
	r.getDevice(c)
}

func (r *Router) setConfig(c *gin.Context) {
	var req device.Config
	if err := c.ShouldBindJSON(&req); err != nil {
		r.fail(c, errors.NewNotValid(err, "request"))
		return
	}
	if err := r.host.SetDesiredConfig(c.Param("mac"), req); err != nil {
		r.fail(c, err)
		return
	}
	r.getDevice(c)
}

func (r *Router) calibrate(c *gin.Context) {
	r.command(c, r.host.Calibrate)
}

func (r *Router) requestSettings(c *gin.Context) {
	r.command(c, r.host.RequestSettings)
}

func (r *Router) command(c *gin.Context, fun func(string) error) {
	if err := fun(c.Param("mac")); err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

func (r *Router) discovery(c *gin.Context) {
	ds := r.host.Discoveries()
	if ds == nil {
		ds = []integration.Discovery{}
	}
	c.JSON(http.StatusOK, DiscoveryResponse{Discoveries: ds})
}

func (r *Router) getUnits(c *gin.Context) {
	c.JSON(http.StatusOK, r.host.Units())
}

func (r *Router) setUnits(c *gin.Context) {
	var req convert.Units
	if err := c.ShouldBindJSON(&req); err != nil {
		r.fail(c, errors.NewNotValid(err, "request"))
		return
	}
	if err := r.host.SetUnits(req); err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r.host.Units())
}

func (r *Router) fail(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		r.log.Errorf("api %s %s err=%v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, ErrorResponse{Error: code, Message: err.Error()})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Cause(err) == convert.ErrOffsetOutOfRange:
		return http.StatusBadRequest, "offset_out_of_range"
	case errors.IsNotSupported(err):
		return http.StatusBadRequest, "not_supported"
	case errors.IsNotValid(err):
		return http.StatusBadRequest, "not_valid"
	}
	return http.StatusInternalServerError, "internal"
}
