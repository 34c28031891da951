package coordinator

import (
	"net/http"

	"github.com/conreg/conreg/pkg/apierr"
	"github.com/gin-gonic/gin"
)

// envelope is the uniform response shape from spec §6: {code, msg, data}.
type envelope struct {
	Code apierr.Code `json:"code"`
	Msg  string      `json:"msg,omitempty"`
	Data any         `json:"data,omitempty"`
}

// httpStatus maps a wire code to the HTTP status line. The envelope itself
// always carries the authoritative code; the HTTP status is a convenience
// for clients that only look at the status line.
func httpStatus(code apierr.Code) int {
	switch code {
	case apierr.OK:
		return http.StatusOK
	case apierr.InvalidArg:
		return http.StatusBadRequest
	case apierr.NotFound:
		return http.StatusNotFound
	case apierr.AlreadyExists, apierr.Conflict:
		return http.StatusConflict
	case apierr.Redirect:
		return http.StatusTemporaryRedirect
	case apierr.Unavailable:
		return http.StatusServiceUnavailable
	case apierr.Timeout:
		return http.StatusGatewayTimeout
	case apierr.TooManyWatches:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Code: apierr.OK, Data: data})
}

func fail(c *gin.Context, err error) {
	ae := apierr.As(err)
	c.JSON(httpStatus(ae.Code), envelope{Code: ae.Code, Msg: ae.Msg, Data: ae.Data})
}
