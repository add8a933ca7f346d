package api

import (
	"encoding/json"
	"net/http"

	"agentic-trust/internal/deploy"
	xerrors "agentic-trust/internal/errors"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err with the status its code maps to. Only the error
// message is exposed.
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok && e.Message() != "" {
		message = e.Message()
	}
	writeJSON(w, statusFor(code), errorBody{Error: message, Code: string(code)})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeInvalidPrivateKey:
		return http.StatusBadRequest
	case xerrors.CodeAuthorization:
		return http.StatusForbidden
	case xerrors.CodeNotFound, deploy.CodeJobNotFound:
		return http.StatusNotFound
	case deploy.CodeJobConflict:
		return http.StatusConflict
	case xerrors.CodeNotConfigured:
		return http.StatusServiceUnavailable
	case xerrors.CodeTransientNetwork:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}
