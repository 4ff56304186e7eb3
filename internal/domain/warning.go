package domain

// Message codes carried by warnings and errors. Rendering is left to callers.
const (
	CodeStateConflict   = "ERR_005"
	CodeHardFail        = "ERR_006"
	CodeCalculation     = "ERR_007"
	CodeTimeout         = "ERR_008"
	CodeClaimExpired    = "ERR_009"
	CodeDeadlineNear    = "WRN_002"
	CodeNotConverged    = "WRN_004"
	CodeGreedyFallback  = "WRN_005"
	CodeIndirectShare   = "WRN_006"
	CodeLocalTaxRefund  = "INF_001"
	CodeCarryforwardSet = "INF_002"
)

// Warning is a non-fatal message code with its parameters.
type Warning struct {
	Code   string         `json:"code"`
	Params map[string]any `json:"params,omitempty"`
}

// NewWarning builds a warning from alternating key/value pairs.
func NewWarning(code string, kv ...any) Warning {
	w := Warning{Code: code}
	if len(kv) > 1 {
		w.Params = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			if k, ok := kv[i].(string); ok {
				w.Params[k] = kv[i+1]
			}
		}
	}
	return w
}

// HasWarning reports whether a warning with the code is present.
func HasWarning(ws []Warning, code string) bool {
	_, ok := FindWarning(ws, code)
	return ok
}

// FindWarning returns the first warning with the code.
func FindWarning(ws []Warning, code string) (Warning, bool) {
	for _, w := range ws {
		if w.Code == code {
			return w, true
		}
	}
	return Warning{}, false
}
