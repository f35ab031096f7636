package icap

import (
	"fmt"
	"net/http"
)

// ICAP status codes (RFC 3507 section 4.3.3).
const (
	StatusContinue             = 100
	StatusSwitchingProtocols   = 101
	StatusOK                   = 200
	StatusNoModifications      = 204
	StatusPartialContent       = 206
	StatusBadRequest           = 400
	StatusForbidden            = 403
	StatusServiceNotFound      = 404
	StatusMethodNotAllowed     = 405
	StatusProxyAuthRequired    = 407
	StatusRequestTimeout       = 408
	StatusServerError          = 500
	StatusMethodNotImplemented = 501
	StatusBadGateway           = 502
	StatusServiceOverloaded    = 503
	StatusVersionNotSupported  = 505
)

var statusText = map[int]string{
	StatusContinue:             "Continue",
	StatusSwitchingProtocols:   "Switching Protocols",
	StatusOK:                   "OK",
	StatusNoModifications:      "No Modifications Needed",
	StatusPartialContent:       "Partial Content",
	StatusBadRequest:           "Bad Request",
	StatusForbidden:            "Forbidden",
	StatusServiceNotFound:      "ICAP Service Not Found",
	StatusMethodNotAllowed:     "Method Not Allowed For Service",
	StatusProxyAuthRequired:    "Proxy Authentication Required",
	StatusRequestTimeout:       "Request Timeout",
	StatusServerError:          "Server Error",
	StatusMethodNotImplemented: "Method Not Implemented",
	StatusBadGateway:           "Bad Gateway",
	StatusServiceOverloaded:    "Service Overloaded",
	StatusVersionNotSupported:  "ICAP Version Not Supported By Server",
}

// StatusText returns the reason phrase for an ICAP status code, or the
// empty string if the code is unknown.
func StatusText(code int) string {
	return statusText[code]
}

func reasonPhrase(code int) (string, error) {
	text, ok := statusText[code]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownStatus, code)
	}
	return text, nil
}

// httpReasonPhrase is used for embedded HTTP status lines; unknown codes get
// a generic phrase rather than an error since they are the client's data.
func httpReasonPhrase(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "Unknown"
}
