package proxy

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"coinone-rebalancer/internal/core"
	"coinone-rebalancer/internal/exchange/coinone"
)

// Local error codes for failures that never reached the exchange. Rate
// limits and parameter errors reuse the exchange's own codes.
const (
	codeUnauthorized = "401"
	codeTransport    = "502"
)

type errorBody struct {
	Result    string `json:"result"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

type failure struct {
	status int
	class  string
	code   string
	msg    string
}

// classify maps an error from the exchange client (or from request
// validation) to the status and envelope the proxy answers with.
func classify(err error) failure {
	apiErr, isAPI := coinone.AsAPIError(err)
	switch {
	case errors.Is(err, core.ErrInvalidOrder):
		return failure{status: http.StatusBadRequest, class: "validation", code: coinone.CodeInvalidParameter, msg: err.Error()}
	case errors.Is(err, core.ErrRateLimited):
		f := failure{status: http.StatusTooManyRequests, class: "rate_limit", code: coinone.CodeRateLimited, msg: err.Error()}
		if isAPI {
			f.code, f.msg = apiErr.Code, apiErr.Msg
		}
		return f
	case isAPI:
		return failure{status: http.StatusUnprocessableEntity, class: "api", code: apiErr.Code, msg: apiErr.Msg}
	case errors.Is(err, core.ErrInvalidParameter):
		return failure{status: http.StatusBadRequest, class: "validation", code: coinone.CodeInvalidParameter, msg: err.Error()}
	case errors.Is(err, core.ErrInvalidResponse):
		return failure{status: http.StatusBadGateway, class: "protocol", code: codeTransport, msg: err.Error()}
	default:
		return failure{status: http.StatusBadGateway, class: "transport", code: codeTransport, msg: err.Error()}
	}
}

func abortWith(c *gin.Context, f failure) {
	if f.status == http.StatusTooManyRequests {
		c.Header("Retry-After", "1")
	}
	c.AbortWithStatusJSON(f.status, errorBody{Result: "error", ErrorCode: f.code, ErrorMsg: f.msg})
}

func badRequest(c *gin.Context, msg string) {
	abortWith(c, failure{status: http.StatusBadRequest, class: "validation", code: coinone.CodeInvalidParameter, msg: msg})
}
