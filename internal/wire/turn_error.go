package wire

import "strings"

// TurnErrorDetails is the normalised shape of a turn/start-adjacent "error"
// notification, regardless of which field spelling the child process used.
type TurnErrorDetails struct {
	Code      string
	Message   string
	WillRetry bool
}

// ExtractTurnErrorDetails reads an "error" notification's params, honouring
// willRetry/will_retry and the three error-code spellings, then — if the
// resulting message itself parses as a JSON object exposing error.code /
// error.message — prefers those nested values (code only when otherwise
// unset, message whenever present, since the nested message is assumed to be
// more specific than the outer one).
func ExtractTurnErrorDetails(v Value) TurnErrorDetails {
	params, _ := asObject(v["params"])

	details := TurnErrorDetails{}
	if params != nil {
		if wr, ok := params["willRetry"].(bool); ok {
			details.WillRetry = wr
		} else if wr, ok := params["will_retry"].(bool); ok {
			details.WillRetry = wr
		}
	}

	errObj, _ := asObject(params["error"])
	if code, ok := getString(errObj, "code", "errorCode", "error_code"); ok {
		details.Code = normalizeTurnErrorCode(code)
	}
	if msg, ok := getString(errObj, "message"); ok {
		details.Message = strings.TrimSpace(msg)
	} else if msg, ok := getString(params, "message"); ok {
		details.Message = strings.TrimSpace(msg)
	}

	if details.Message != "" {
		if nested, err := Decode([]byte(details.Message)); err == nil {
			nestedErr, _ := asObject(nested["error"])
			if nestedErr != nil {
				if details.Code == "" {
					if code, ok := getString(nestedErr, "code", "errorCode", "error_code"); ok {
						details.Code = normalizeTurnErrorCode(code)
					}
				}
				if msg, ok := getString(nestedErr, "message"); ok {
					details.Message = strings.TrimSpace(msg)
				}
			}
		}
	}

	return details
}

func normalizeTurnErrorCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	return code
}

// IsRetrySafe reports whether this error looks like a transient websocket
// hiccup worth automatically retrying once.
func (d TurnErrorDetails) IsRetrySafe() bool {
	if strings.HasPrefix(d.Code, "websocket_") {
		return true
	}
	lower := strings.ToLower(d.Message)
	return strings.Contains(lower, "websocket") && strings.Contains(lower, "create a new websocket connection")
}
