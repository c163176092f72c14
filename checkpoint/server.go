package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Aggregator is the optional cross-process report endpoint from
// SPEC_FULL.md §4.13: when more than one simulator process checkpoints
// the same target, each process's Coordinator pushes its Result here
// instead of (or in addition to) persisting to its own Postgres ledger,
// so the operator has one place to compare runs across hosts.
type Aggregator struct {
	secret []byte
	srv    *http.Server

	mu      sync.Mutex
	results map[string]*Result // keyed by the pushing node's name
}

// NewAggregator builds an Aggregator listening on addr, accepting only
// requests bearing a JWT signed with secret.
func NewAggregator(addr string, secret []byte) *Aggregator {
	a := &Aggregator{secret: secret, results: make(map[string]*Result)}
	mux := http.NewServeMux()
	mux.HandleFunc("/checkpoints", a.handlePush)
	a.srv = &http.Server{Addr: addr, Handler: mux}
	return a
}

// ListenAndServe blocks serving the aggregator's endpoint.
func (a *Aggregator) ListenAndServe() error {
	return a.srv.ListenAndServe()
}

// Shutdown gracefully stops the aggregator's listener.
func (a *Aggregator) Shutdown(ctx context.Context) error {
	return a.srv.Shutdown(ctx)
}

// Results returns the most recently pushed Result per node name.
func (a *Aggregator) Results() map[string]*Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]*Result, len(a.results))
	for k, v := range a.results {
		out[k] = v
	}
	return out
}

type pushBody struct {
	Node   string  `json:"node"`
	Result *Result `json:"result"`
}

func (a *Aggregator) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := a.authenticate(r); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var body pushBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed checkpoint push: "+err.Error(), http.StatusBadRequest)
		return
	}
	if body.Node == "" || body.Result == nil {
		http.Error(w, "node and result are required", http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	a.results[body.Node] = body.Result
	a.mu.Unlock()

	w.WriteHeader(http.StatusAccepted)
}

func (a *Aggregator) authenticate(r *http.Request) error {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return fmt.Errorf("missing bearer token")
	}
	tokenStr := header[len(prefix):]

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return fmt.Errorf("invalid token: %w", err)
	}
	return nil
}

// Push signs a JWT with secret and POSTs result to a remote
// Aggregator's /checkpoints endpoint under node's name — the client
// side of the same push model, run by every simulator process that
// isn't itself hosting the aggregator.
func Push(ctx context.Context, endpoint string, secret []byte, node string, result *Result) error {
	claims := jwt.RegisteredClaims{
		Subject:   node,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return fmt.Errorf("checkpoint: signing push token: %w", err)
	}

	body, err := json.Marshal(pushBody{Node: node, Result: result})
	if err != nil {
		return fmt.Errorf("checkpoint: encoding push body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("checkpoint: building push request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("checkpoint: pushing to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("checkpoint: push to %s rejected: %s", endpoint, resp.Status)
	}
	return nil
}
