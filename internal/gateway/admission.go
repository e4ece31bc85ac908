package gateway

import (
	"net/http"
	"strings"
)

// AdmissionConfig controls the pre-upgrade checks. Failures map to distinct
// HTTP statuses so a misconfigured client can tell exactly what it got wrong:
// 404 wrong path, 403 origin, 401 token.
type AdmissionConfig struct {
	Path           string
	AllowedOrigins []string
	AllowNoOrigin  bool
	RequireToken   bool
	Token          string
	AllowQueryAuth bool
}

// AdmissionError carries the status and a loggable code. The token value is
// never part of it.
type AdmissionError struct {
	Status int
	Code   string
}

func (e *AdmissionError) Error() string { return e.Code }

// CheckAdmission runs the full admission matrix against an upgrade request.
// It must run before the WebSocket handshake so a rejected upgrade never
// leaves a socket half-open.
func CheckAdmission(cfg AdmissionConfig, r *http.Request) *AdmissionError {
	if r.URL.Path != cfg.Path {
		return &AdmissionError{Status: http.StatusNotFound, Code: "wrong_path"}
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		if !cfg.AllowNoOrigin {
			return &AdmissionError{Status: http.StatusForbidden, Code: "missing_origin"}
		}
	} else if !originAllowed(cfg.AllowedOrigins, origin) {
		return &AdmissionError{Status: http.StatusForbidden, Code: "origin_not_allowed"}
	}

	if cfg.RequireToken {
		token, ok := presentedToken(cfg, r)
		if !ok {
			return &AdmissionError{Status: http.StatusUnauthorized, Code: "missing_token"}
		}
		if token != cfg.Token {
			return &AdmissionError{Status: http.StatusUnauthorized, Code: "bad_token"}
		}
	}
	return nil
}

// TokenProtocol returns the token-bearing subprotocol entry the client
// offered, if any. The upgrade response must echo it: browsers abort the
// connection when a requested subprotocol goes unselected.
func TokenProtocol(r *http.Request) (string, bool) {
	for _, proto := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(proto, ",") {
			p = strings.TrimSpace(p)
			if strings.HasPrefix(p, "token.") {
				return p, true
			}
		}
	}
	return "", false
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if origin == a {
			return true
		}
	}
	return false
}

// presentedToken finds the client's token: Sec-WebSocket-Protocol entries of
// the form "token.<value>" first, then the X-Auth-Token header, then (only
// when explicitly enabled) the ?token query parameter. First match wins.
func presentedToken(cfg AdmissionConfig, r *http.Request) (string, bool) {
	for _, proto := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(proto, ",") {
			p = strings.TrimSpace(p)
			if v, ok := strings.CutPrefix(p, "token."); ok {
				return v, true
			}
		}
	}
	if v := r.Header.Get("X-Auth-Token"); v != "" {
		return v, true
	}
	if cfg.AllowQueryAuth {
		if v := r.URL.Query().Get("token"); v != "" {
			return v, true
		}
	}
	return "", false
}
