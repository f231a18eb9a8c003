package sshterminal

import (
	"context"
	"sync"
	"time"

	"github.com/gluk-w/sshdeck/internal/transport"
)

// MaxInputMessageSize is the maximum size in bytes for a single terminal input
// message. Messages exceeding this limit are rejected.
const MaxInputMessageSize = 64 * 1024 // 64 KB

// MaxResizeCols and MaxResizeRows define upper bounds for terminal resize
// requests.
const (
	MaxResizeCols uint16 = 500
	MaxResizeRows uint16 = 500
)

// Info is a point-in-time copy of a terminal session's state.
type Info struct {
	ID            string               `json:"id"`
	ConnectionID  string               `json:"connection_id"`
	Size          transport.WindowSize `json:"size"`
	IsActive      bool                 `json:"is_active"`
	CreatedAt     time.Time            `json:"created_at"`
	ScrollbackLen int                  `json:"scrollback_bytes"`
}

type inputRequest struct {
	data  []byte
	reply chan error
}

// Terminal is one interactive shell bound to one channel.
type Terminal struct {
	ID           string
	ConnectionID string
	CreatedAt    time.Time
	Scrollback   *ScrollbackBuffer

	mu        sync.Mutex
	size      transport.WindowSize
	active    bool
	channel   transport.Channel
	announced bool

	outMu sync.Mutex

	input  chan inputRequest
	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup
}

func (t *Terminal) info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		ID:            t.ID,
		ConnectionID:  t.ConnectionID,
		Size:          t.size,
		IsActive:      t.active,
		CreatedAt:     t.CreatedAt,
		ScrollbackLen: t.Scrollback.Len(),
	}
}

// attachedChannel returns the channel, or nil if none is attached.
func (t *Terminal) attachedChannel() transport.Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channel
}

// deactivate marks the terminal inactive and detaches its channel, returning
// the channel that was attached and whether TerminalCreated was published.
func (t *Terminal) deactivate() (transport.Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := t.channel
	t.active = false
	t.channel = nil
	return ch, t.announced
}

// runInput writes queued input to the channel in FIFO order until cancelled.
func (t *Terminal) runInput(ch transport.Channel) {
	defer t.tasks.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case req := <-t.input:
			_, err := ch.Write(req.data)
			req.reply <- err
		}
	}
}
