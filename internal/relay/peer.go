package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// wire is the connection a peer pumps. *conn.WebsocketChannel implements it.
type wire interface {
	Read() ([]byte, error)
	Write(frame []byte) error
	Ping() error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// peer is one accepted connection.
type peer struct {
	id            string
	sessionID     string
	participantID string

	hub  *Hub
	conn wire
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	left      atomic.Bool
}

func newPeer(h *Hub, c wire, sessionID, participantID string) *peer {
	return &peer{
		id:            uuid.NewString(),
		sessionID:     sessionID,
		participantID: participantID,
		hub:           h,
		conn:          c,
		send:          make(chan []byte, h.settings.SendBuffer),
		done:          make(chan struct{}),
	}
}

// run registers the peer and pumps until the connection ends.
func (p *peer) run() {
	p.hub.join(p)
	go p.writePump()
	p.readPump()
}

// enqueue queues a frame without blocking. A peer whose buffer is full is
// too slow to keep up and is dropped.
func (p *peer) enqueue(frame []byte) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.send <- frame:
	default:
		p.hub.logger.Warn("send buffer full; dropping peer", "session", p.sessionID, "participant", p.participantID, "peer", p.id)
		p.close()
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

func (p *peer) markLeft() {
	p.left.Store(true)
}

func (p *peer) announcedLeave() bool {
	return p.left.Load()
}

func (p *peer) readPump() {
	defer func() {
		p.hub.leave(p)
		p.close()
	}()

	pongWait := p.hub.settings.PongTimeout
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		frame, err := p.conn.Read()
		if err != nil {
			p.hub.logger.Debug("peer read ended", "session", p.sessionID, "peer", p.id, "error", err)
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		p.hub.handleFrame(p, frame)
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(p.hub.settings.PingInterval)
	defer func() {
		ticker.Stop()
		p.close()
	}()

	for {
		select {
		case frame := <-p.send:
			if err := p.conn.Write(frame); err != nil {
				p.hub.logger.Debug("peer write failed", "session", p.sessionID, "peer", p.id, "error", err)
				return
			}
		case <-ticker.C:
			if err := p.conn.Ping(); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}
