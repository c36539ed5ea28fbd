package coinone

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"coinone-rebalancer/internal/core"
)

const (
	CodeRateLimited         = "4"
	CodeInsufficientBalance = "103"
	CodeOrderNotFound       = "104"
	CodeInvalidParameter    = "107"
	CodeUnknownCurrency     = "108"
)

var apiErrorCodeKinds = map[string]error{
	CodeRateLimited:         core.ErrRateLimited,
	CodeInsufficientBalance: core.ErrInsufficientBalance,
	CodeOrderNotFound:       core.ErrOrderNotFound,
	CodeInvalidParameter:    core.ErrInvalidParameter,
	CodeUnknownCurrency:     core.ErrUnknownCurrency,
}

// apiErrorMessageKinds only applies when the code has no kind of its own.
// Rate limiting is recognised by code alone.
var apiErrorMessageKinds = map[string]error{
	"lack of balance.":      core.ErrInsufficientBalance,
	"order id is not exist": core.ErrOrderNotFound,
}

// APIError is an exchange body with result "error".
type APIError struct {
	Code string
	Msg  string
}

func (e APIError) Error() string {
	return fmt.Sprintf("coinone api error %s: %s", e.Code, e.Msg)
}

// HTTPError is a non-2xx status. It always counts as a transport failure.
type HTTPError struct {
	Status int
	Body   []byte
}

func (e HTTPError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("coinone http error %d: %s", e.Status, body)
}

func (e HTTPError) Unwrap() error { return core.ErrTransport }

// Envelope holds the status fields every Coinone body carries. ErrorCode is
// kept raw because the exchange sends it both quoted and bare.
type Envelope struct {
	Result    string          `json:"result"`
	ErrorCode json.RawMessage `json:"error_code"`
	ErrorMsg  string          `json:"error_msg"`
}

func (e Envelope) Code() string {
	code := strings.TrimSpace(string(e.ErrorCode))
	if code == "null" {
		return ""
	}
	return strings.Trim(code, `"`)
}

func (e Envelope) IsError() bool {
	return strings.EqualFold(e.Result, "error")
}

// CheckResponse maps a raw exchange (or proxy) response to nil or a
// classified error.
func CheckResponse(status int, body []byte) error {
	valid := json.Valid(body)
	var env Envelope
	if valid && isJSONObject(body) {
		_ = json.Unmarshal(body, &env)
	}
	if status/100 != 2 {
		chain := []error{HTTPError{Status: status, Body: body}}
		if status == http.StatusTooManyRequests {
			chain = append(chain, core.ErrRateLimited)
		}
		if env.IsError() {
			chain = append(chain, classifyAPIError(APIError{Code: env.Code(), Msg: env.ErrorMsg}))
		}
		if len(chain) == 1 {
			return chain[0]
		}
		return errors.Join(chain...)
	}
	if !valid {
		return fmt.Errorf("%w: status %d body %q", core.ErrInvalidResponse, status, truncate(body, 128))
	}
	if env.IsError() {
		return classifyAPIError(APIError{Code: env.Code(), Msg: env.ErrorMsg})
	}
	return nil
}

func classifyAPIError(apiErr APIError) error {
	kinds := classifyAPIErrorKinds(apiErr)
	if len(kinds) == 0 {
		return apiErr
	}
	chain := make([]error, 0, 1+len(kinds))
	chain = append(chain, apiErr)
	chain = append(chain, kinds...)
	return errors.Join(chain...)
}

func classifyAPIErrorKinds(apiErr APIError) []error {
	if kind, ok := apiErrorCodeKinds[apiErr.Code]; ok {
		return []error{kind}
	}
	if kind, ok := apiErrorMessageKinds[strings.ToLower(strings.TrimSpace(apiErr.Msg))]; ok {
		return []error{kind}
	}
	return nil
}

func isJSONObject(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func AsAPIError(err error) (APIError, bool) {
	var apiErr APIError
	if err == nil || !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}

func IsAPIErrorCode(err error, codes ...string) bool {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	for _, code := range codes {
		if apiErr.Code == code {
			return true
		}
	}
	return false
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
