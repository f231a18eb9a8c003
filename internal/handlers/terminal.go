package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/gluk-w/sshdeck/internal/ssherr"
	"github.com/gluk-w/sshdeck/internal/sshevents"
	"github.com/gluk-w/sshdeck/internal/sshterminal"
	"github.com/gluk-w/sshdeck/internal/transport"
	"github.com/go-chi/chi/v5"
)

// terminalRateLimit defines the maximum number of messages allowed per second
// per WebSocket connection. Messages beyond this rate are dropped.
const terminalRateLimit = 200

// terminalRateBurst is the token bucket burst size, allowing short bursts
// of rapid input (e.g., paste operations) before rate limiting kicks in.
const terminalRateBurst = 200

type termResizeMsg struct {
	Type        string `json:"type"`
	Cols        uint16 `json:"cols"`
	Rows        uint16 `json:"rows"`
	PixelWidth  uint16 `json:"pixel_width"`
	PixelHeight uint16 `json:"pixel_height"`
}

// TerminalAttachWS attaches a websocket to an existing terminal.
//
// The retained scrollback is sent first as one binary frame, followed by live
// output. Binary frames from the client are terminal input; text frames carry
// {"type":"resize","cols":N,"rows":N}. The socket is closed when the terminal
// closes. Detaching never closes the terminal.
func TerminalAttachWS(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	if EventsHub == nil {
		writeError(w, http.StatusServiceUnavailable, "Event stream not initialized")
		return
	}
	connID := chi.URLParam(r, "id")
	termID := chi.URLParam(r, "tid")

	// fail with a normal HTTP error before upgrading
	if _, err := Registry.GetTerminalSession(connID, termID); err != nil {
		writeSSHError(w, err)
		return
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[api] failed to accept terminal websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()
	clientConn.SetReadLimit(sshterminal.MaxInputMessageSize + 1024)

	// Subscribe before taking the snapshot so no output falls in between.
	// Events already covered by the snapshot are skipped by offset below.
	sub := EventsHub.Subscribe(func(ev sshevents.Event) bool {
		if ev.ConnectionID != connID {
			return false
		}
		switch ev.Type {
		case sshevents.EventData, sshevents.EventTerminalClosed:
			return ev.TerminalID == termID
		case sshevents.EventDisconnected:
			return true
		}
		return false
	})
	defer EventsHub.Unsubscribe(sub)

	ctx := r.Context()
	history, replayEnd, err := Registry.TerminalScrollback(connID, termID)
	if err != nil {
		clientConn.Close(4004, "Terminal session not found")
		return
	}
	if len(history) > 0 {
		if err := clientConn.Write(ctx, websocket.MessageBinary, history); err != nil {
			return
		}
	}

	log.Printf("[api] terminal attached: connection=%s terminal=%s",
		logging.Sanitize(connID), logging.Sanitize(termID))
	defer log.Printf("[api] terminal detached: connection=%s terminal=%s",
		logging.Sanitize(connID), logging.Sanitize(termID))

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	closeReason := make(chan string, 1)

	// Terminal output -> Browser
	go func() {
		defer relayCancel()
		for {
			select {
			case <-relayCtx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					closeReason <- "server shutting down"
					return
				}
				switch ev.Type {
				case sshevents.EventTerminalClosed, sshevents.EventDisconnected:
					closeReason <- "terminal closed"
					return
				}
				data := unseenOutput(ev, replayEnd)
				if len(data) == 0 {
					continue
				}
				if err := clientConn.Write(relayCtx, websocket.MessageBinary, data); err != nil {
					return
				}
			}
		}
	}()

	limiter := newTokenBucket(terminalRateBurst, terminalRateLimit)

	// Browser -> Terminal input
	func() {
		defer relayCancel()
		for {
			msgType, data, err := clientConn.Read(relayCtx)
			if err != nil {
				return
			}

			// Rate limit: drop messages that exceed the allowed rate
			if !limiter.allow() {
				continue
			}

			if msgType == websocket.MessageBinary {
				if err := Registry.SendTerminalInput(connID, termID, data); err != nil {
					log.Printf("[api] terminal %s input: %v", logging.Sanitize(termID), err)
					if sshErrIsFatal(err) {
						return
					}
				}
				continue
			}

			var msg termResizeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == "resize" && msg.Cols > 0 && msg.Rows > 0 {
				size := transport.WindowSize{
					Cols:        min(msg.Cols, sshterminal.MaxResizeCols),
					Rows:        min(msg.Rows, sshterminal.MaxResizeRows),
					PixelWidth:  msg.PixelWidth,
					PixelHeight: msg.PixelHeight,
				}
				if err := Registry.ResizeTerminal(connID, termID, size); err != nil && sshErrIsFatal(err) {
					return
				}
			}
		}
	}()

	select {
	case reason := <-closeReason:
		clientConn.Close(websocket.StatusNormalClosure, reason)
	default:
		clientConn.Close(websocket.StatusNormalClosure, "")
	}
}

// unseenOutput returns the part of a Data event that lies past replayEnd, the
// stream offset where the replayed scrollback ended.
func unseenOutput(ev sshevents.Event, replayEnd uint64) []byte {
	end := ev.Offset + uint64(len(ev.Data))
	switch {
	case end <= replayEnd:
		return nil
	case ev.Offset < replayEnd:
		return ev.Data[replayEnd-ev.Offset:]
	}
	return ev.Data
}

// sshErrIsFatal reports whether a terminal operation failed because the
// terminal or its connection is gone.
func sshErrIsFatal(err error) bool {
	switch statusForKind(ssherr.KindOf(err)) {
	case http.StatusNotFound, http.StatusConflict:
		return true
	}
	return false
}

// tokenBucket implements a simple token bucket rate limiter for terminal messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow checks if a message is allowed and consumes a token.
func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)

	refill := int(elapsed.Seconds() * float64(tb.refillRate))
	if refill > 0 {
		tb.tokens += refill
		tb.lastRefill = now
	}
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
