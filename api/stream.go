package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jmcleod/shelfguard/session"
)

const (
	eventSession     = "session"
	eventInvalidated = "invalidated"
)

type streamEvent struct {
	name string
	data StreamState
}

// StreamState is the data payload of a liveness event.
type StreamState struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// SessionStream handles GET /auth/session/stream. It pushes a "session"
// event on every tick while the principal stays valid, then one
// "invalidated" event and closes.
func (a *API) SessionStream(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	rc := http.NewResponseController(w)
	// Long-lived: lift the server's write deadline for this response.
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if !writeEvent(w, rc, streamEvent{name: eventSession, data: StreamState{Valid: true}}) {
		return
	}
	events := make(chan streamEvent)
	go a.pollLiveness(ctx, p, events)

	for ev := range events {
		if !writeEvent(w, rc, ev) || ev.name == eventInvalidated {
			return
		}
	}
}

// pollLiveness revalidates p on every tick and sends the outcome. It owns
// the ticker and closes events when ctx ends or after an invalidation.
func (a *API) pollLiveness(ctx context.Context, p *Principal, events chan<- streamEvent) {
	defer close(events)
	ticker := time.NewTicker(a.streamPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ev := streamEvent{name: eventSession, data: StreamState{Valid: true}}
		if err := a.revalidate(ctx, p); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log().Info("liveness stream invalidated", "uid", p.UID, "method", p.Method, "error", err)
			ev = streamEvent{name: eventInvalidated, data: StreamState{Reason: "session_invalidated"}}
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
		if ev.name == eventInvalidated {
			return
		}
	}
}

// revalidate repeats the authentication the principal was admitted with.
// Any failure, dependency outages included, ends the stream.
func (a *API) revalidate(ctx context.Context, p *Principal) error {
	if p.Session != nil {
		_, err := a.sessions.Validate(ctx, p.Session.Cookie, p.ClientIP)
		return err
	}
	claims, err := a.verifier.Verify(ctx, p.credential)
	if err != nil {
		return err
	}
	if !claims.Admin {
		return session.ErrNotAdmin
	}
	return a.recheckBearer(ctx, &Principal{}, claims)
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, ev streamEvent) bool {
	data, err := json.Marshal(ev.data)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, data); err != nil {
		return false
	}
	return rc.Flush() == nil
}
