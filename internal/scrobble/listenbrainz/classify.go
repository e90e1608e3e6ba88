package listenbrainz

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
)

// ReplyResult is the normalized outcome of one request.
type ReplyResult int

const (
	// ReplySuccess: the service accepted the request.
	ReplySuccess ReplyResult = iota
	// ReplyAPIError: the service understood the request and explicitly
	// rejected it.
	ReplyAPIError
	// ReplyServerError: network failure or non-2xx without a structured
	// error body; assumed transient.
	ReplyServerError
)

const maxBodyBytes = 1 << 20

// classification carries the result, the parsed body (when any), a
// human-readable message, and whether the transport signalled that the
// session has expired.
type classification struct {
	Result      ReplyResult
	Object      map[string]any
	Message     string
	AuthExpired bool
}

// classify normalizes a transport outcome. A well-formed error body always
// wins over a generic status-code message. The caller decides what to do
// about AuthExpired; classification itself has no side effects.
func classify(resp *http.Response, err error) classification {
	c := classification{Result: ReplyServerError}

	if err != nil {
		c.Message = err.Error()
		return c
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		c.Result = ReplySuccess
	} else {
		c.Message = fmt.Sprintf("Received HTTP code %d", resp.StatusCode)
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if len(data) > 0 {
		var obj map[string]any
		if json.Unmarshal(data, &obj) == nil && obj != nil {
			c.Object = obj
			if msg, ok := apiErrorMessage(obj); ok {
				c.Message = msg
				c.Result = ReplyAPIError
			}
		}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.AuthExpired = true
	}
	return c
}

// apiErrorMessage extracts the service's own diagnosis from a structured
// error body: either error + error_description, or a numeric code + error.
func apiErrorMessage(obj map[string]any) (string, bool) {
	if _, ok := obj["error"]; ok {
		if desc, ok := obj["error_description"].(string); ok {
			return desc, true
		}
	}
	if code, ok := obj["code"]; ok {
		if errText, ok := obj["error"].(string); ok {
			return fmt.Sprintf("%s (%s)", errText, formatCode(code)), true
		}
	}
	return "", false
}

func formatCode(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatInt(int64(f), 10)
	}
	return fmt.Sprintf("%v", v)
}

// classifyTokenError normalizes a failed token exchange. Exchange failures
// never carry the session-expiry side effect: a failed refresh must not log
// out a still-valid session.
func classifyTokenError(err error) classification {
	c := classification{Result: ReplyServerError}

	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		if rErr.Response != nil {
			c.Message = fmt.Sprintf("Received HTTP code %d", rErr.Response.StatusCode)
		}
		if rErr.ErrorCode != "" && rErr.ErrorDescription != "" {
			c.Result = ReplyAPIError
			c.Message = rErr.ErrorDescription
		}
		if c.Message == "" {
			c.Message = rErr.Error()
		}
		return c
	}

	c.Message = err.Error()
	return c
}
