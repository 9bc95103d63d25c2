package cli

import (
	"context"
	"fmt"
	"html"
	"net"
	"net/http"
	"time"
)

// callbackResult is what the provider redirect delivered.
type callbackResult struct {
	Code  string
	State string
	Err   error
}

// callbackServer catches the OAuth2 redirect on localhost during the auth
// flow. One redirect, then it is done.
type callbackServer struct {
	server  *http.Server
	results chan callbackResult
	addr    string
}

func newCallbackServer(port int, path string) *callbackServer {
	cs := &callbackServer{results: make(chan callbackResult, 1)}

	mux := http.NewServeMux()
	mux.HandleFunc(path, cs.handleRedirect)
	cs.server = &http.Server{
		Addr:    fmt.Sprintf("localhost:%d", port),
		Handler: mux,
	}
	return cs
}

func (cs *callbackServer) Start() error {
	listener, err := net.Listen("tcp", cs.server.Addr)
	if err != nil {
		return fmt.Errorf("cli: listen on %s: %w", cs.server.Addr, err)
	}
	cs.addr = listener.Addr().String()
	go func() {
		if err := cs.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			cs.deliver(callbackResult{Err: fmt.Errorf("cli: callback server: %w", err)})
		}
	}()
	return nil
}

// Addr reports the bound listen address once Start has returned.
func (cs *callbackServer) Addr() string {
	return cs.addr
}

// Wait blocks until the redirect arrives or the timeout passes.
func (cs *callbackServer) Wait(timeout time.Duration) callbackResult {
	select {
	case result := <-cs.results:
		return result
	case <-time.After(timeout):
		return callbackResult{Err: fmt.Errorf("cli: timed out waiting for the authorization redirect")}
	}
}

func (cs *callbackServer) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cs.server.Shutdown(ctx)
}

func (cs *callbackServer) handleRedirect(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errName := query.Get("error"); errName != "" {
		message := errName
		if description := query.Get("error_description"); description != "" {
			message = fmt.Sprintf("%s: %s", errName, description)
		}
		cs.deliver(callbackResult{Err: fmt.Errorf("cli: authorization denied: %s", message)})
		writeCallbackPage(w, http.StatusBadRequest, "Authorization failed", message)
		return
	}

	code := query.Get("code")
	if code == "" {
		cs.deliver(callbackResult{Err: fmt.Errorf("cli: redirect carried no authorization code")})
		writeCallbackPage(w, http.StatusBadRequest, "Authorization failed", "no authorization code received")
		return
	}

	cs.deliver(callbackResult{Code: code, State: query.Get("state")})
	writeCallbackPage(w, http.StatusOK, "Authorization complete", "You can close this window and return to the terminal.")
}

// deliver keeps only the first result; repeated hits on the callback URL are
// ignored.
func (cs *callbackServer) deliver(result callbackResult) {
	select {
	case cs.results <- result:
	default:
	}
}

func writeCallbackPage(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4rem;">
  <h1>%s</h1>
  <p>%s</p>
</body>
</html>`, html.EscapeString(title), html.EscapeString(title), html.EscapeString(detail))
}
