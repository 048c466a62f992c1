// Package chat is a line-oriented TCP interface to the leaderboard: a
// telnet-style stand-in for the classic IRC bot. Clients introduce
// themselves with a nick on the first line, then issue !commands or chat.
// Incoming traffic is republished on the bus as "chat.incoming"; anything
// published under "chat.outgoing" or "announce.*" is broadcast to every
// connected client.
package chat

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/buildbot/highscore/internal/logging"
	"github.com/buildbot/highscore/internal/mq"
	"github.com/buildbot/highscore/internal/plugins"
	"github.com/buildbot/highscore/internal/points"
	"github.com/buildbot/highscore/internal/users"
)

// attrType is the attribute namespace for chat nicks. The name is kept from
// the IRC days so existing identity rows still match.
const attrType = "irc_nick"

const (
	maxClients  = 100
	lineTimeout = 5 * time.Minute
)

func init() {
	plugins.Register("chat", New)
}

type Plugin struct {
	deps   plugins.Deps
	logger logging.Logger
	addr   string

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	stopped  bool

	subs []mq.Subscription
	wg   sync.WaitGroup
}

func New(deps plugins.Deps) (plugins.Plugin, error) {
	return &Plugin{
		deps:   deps,
		logger: deps.Logger.With("module", "plugins.chat"),
		addr:   deps.Config.ChatAddr,
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

func (p *Plugin) Name() string { return "chat" }

func (p *Plugin) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("chat listen on %s: %w", p.addr, err)
	}
	p.mu.Lock()
	p.listener = listener
	p.mu.Unlock()

	// everything addressed to the room gets broadcast verbatim
	sub, err := p.deps.Bus.Subscribe(p.onOutgoing, "chat.outgoing", "announce.*")
	if err != nil {
		listener.Close()
		return err
	}
	p.subs = append(p.subs, sub)

	// announcer: turn grant events into room messages
	sub, err = p.deps.Bus.Subscribe(p.onPointsAdded, "points.add.*")
	if err != nil {
		p.Stop()
		return err
	}
	p.subs = append(p.subs, sub)

	p.deps.Bus.Publish("chat.connected", map[string]any{"addr": listener.Addr().String()})
	p.logger.Info(ctx, "chat listener up", "addr", listener.Addr().String())

	p.wg.Add(1)
	go p.acceptLoop(ctx)
	return nil
}

// Addr reports the bound listener address, for tests using ":0".
func (p *Plugin) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

func (p *Plugin) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	listener := p.listener
	conns := make([]net.Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, sub := range p.subs {
		sub.Cancel()
	}
	if listener != nil {
		_ = listener.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	p.wg.Wait()
	p.deps.Bus.Publish("chat.disconnected", map[string]any{})
	return nil
}

func (p *Plugin) acceptLoop(ctx context.Context) {
	defer p.wg.Done()
	sem := make(chan struct{}, maxClients)
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			// listener closed on Stop
			return
		}
		select {
		case sem <- struct{}{}:
		default:
			_ = conn.Close()
			continue
		}

		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			_ = conn.Close()
			return
		}
		p.conns[conn] = struct{}{}
		p.mu.Unlock()

		p.wg.Add(1)
		go func(c net.Conn) {
			defer p.wg.Done()
			defer func() { <-sem }()
			p.serve(ctx, c)
		}(conn)
	}
}

func (p *Plugin) drop(c net.Conn) {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
	_ = c.Close()
}

func (p *Plugin) serve(ctx context.Context, c net.Conn) {
	defer p.drop(c)

	scanner := bufio.NewScanner(c)
	writeLine(c, "highscore: who are you? (first line is your nick)")

	_ = c.SetReadDeadline(time.Now().Add(lineTimeout))
	if !scanner.Scan() {
		return
	}
	nick := strings.TrimSpace(scanner.Text())
	if nick == "" {
		writeLine(c, "highscore: no nick, no service")
		return
	}
	writeLine(c, fmt.Sprintf("highscore: hello, %s", nick))

	for {
		_ = c.SetReadDeadline(time.Now().Add(lineTimeout))
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "!") {
			p.handleCommand(ctx, c, nick, line)
			continue
		}
		p.deps.Bus.Publish("chat.incoming", map[string]any{
			"user":    nick,
			"message": line,
		})
	}
}

func (p *Plugin) handleCommand(ctx context.Context, c net.Conn, nick, line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "!highscores":
		p.commandHighscores(ctx, c)
	case "!points":
		p.commandPoints(ctx, c, nick)
	default:
		p.deps.Bus.Publish("chat.incoming", map[string]any{
			"user":    nick,
			"message": line,
		})
		writeLine(c, fmt.Sprintf("highscore: I don't know %s", fields[0]))
	}
}

func (p *Plugin) commandHighscores(ctx context.Context, c net.Conn) {
	scores, err := p.deps.Points.Highscores(ctx)
	if err != nil {
		p.logger.Error(ctx, "highscores read failed", "error", err)
		writeLine(c, "highscore: scores are unavailable right now")
		return
	}
	if len(scores) == 0 {
		writeLine(c, "highscore: nobody has scored yet")
		return
	}
	if len(scores) > 10 {
		scores = scores[:10]
	}
	for i, sc := range scores {
		writeLine(c, fmt.Sprintf("highscore: #%d %s with %d", i+1, sc.DisplayName, roundScore(sc.Points)))
	}
}

func (p *Plugin) commandPoints(ctx context.Context, c net.Conn, nick string) {
	attr := users.Attribute{Type: attrType, Value: nick}
	userID, displayName, err := p.deps.Users.Resolve(ctx,
		[]users.Attribute{attr}, []users.Attribute{attr}, nick)
	if err != nil {
		p.logger.Error(ctx, "resolve failed", "nick", nick, "error", err)
		writeLine(c, "highscore: I can't figure out who you are")
		return
	}
	pts, err := p.deps.Points.UserPoints(ctx, userID)
	if err != nil {
		p.logger.Error(ctx, "points read failed", "user_id", userID, "error", err)
		writeLine(c, "highscore: your points are unavailable right now")
		return
	}
	var total float64
	for _, pt := range pts {
		total += pt.Points
	}
	writeLine(c, fmt.Sprintf("highscore: %s has %d points", displayName, roundScore(total)))
}

func (p *Plugin) onOutgoing(routingKey string, payload any) {
	msg := messageField(payload)
	if msg == "" {
		return
	}
	p.broadcast(msg)
}

func (p *Plugin) onPointsAdded(routingKey string, payload any) {
	// in-process the payload is the concrete event; over a broker it arrives
	// as a decoded JSON map
	var name, comment string
	var pts int64
	switch added := payload.(type) {
	case points.Added:
		name, comment, pts = added.DisplayName, added.Comment, added.Points
	case map[string]any:
		name, _ = added["display_name"].(string)
		comment, _ = added["comment"].(string)
		pts = numberField(added["points"])
	default:
		return
	}
	p.deps.Bus.Publish("announce.points", map[string]any{
		"message": fmt.Sprintf("%s scored %d: %s", name, pts, comment),
	})
}

func (p *Plugin) broadcast(msg string) {
	p.mu.Lock()
	conns := make([]net.Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()
	for _, c := range conns {
		writeLine(c, msg)
	}
}

func writeLine(c net.Conn, line string) {
	_ = c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, _ = c.Write([]byte(line + "\r\n"))
}

func roundScore(pts float64) int64 {
	return int64(math.Floor(pts + 0.5))
}

func messageField(payload any) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	msg, _ := m["message"].(string)
	return msg
}

func numberField(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}
