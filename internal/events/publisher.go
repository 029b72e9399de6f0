// Package events publishes match lifecycle notifications over NATS for
// the presentation layer. The core never waits on subscribers; delivery
// is fire-and-forget.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns. Each carries the recipient user id as the
// final token so UI servers can subscribe per connected user.
const (
	SubjectMatchFound     = "match.found"      // + .<user_id>
	SubjectMatchEnded     = "match.ended"      // + .<user_id>
	SubjectSessionStarted = "session.started"  // + .<user_id>
	SubjectRequeued       = "queue.requeued"   // + .<user_id>
)

// MatchFound is published to both users when a pair is created.
type MatchFound struct {
	MatchID   string `json:"match_id"`
	PartnerID uint64 `json:"partner_id"`
	Tier      string `json:"tier"`
}

// MatchEnded is published when a match reaches a terminal outcome
// before a session starts.
type MatchEnded struct {
	MatchID string `json:"match_id"`
	Reason  string `json:"reason"` // "pass", "reveal_timeout", "vote_timeout", "partner_offline"
}

// SessionStarted is published when both users voted yes.
type SessionStarted struct {
	MatchID   string `json:"match_id"`
	PartnerID uint64 `json:"partner_id"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// Publisher wraps the NATS connection. A nil Publisher is valid and
// drops every event, which keeps tests free of a NATS server.
type Publisher struct {
	conn *nats.Conn
	log  *slog.Logger
}

// Connect dials NATS and returns a ready publisher.
func Connect(cfg Config, log *slog.Logger) (*Publisher, error) {
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info("nats connected", "url", nc.ConnectedUrl())
	return &Publisher{conn: nc, log: log}, nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	_ = p.conn.Drain()
}

func (p *Publisher) publish(subject string, userID uint64, v any) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error("event marshal", "subject", subject, "err", err)
		return
	}
	subj := fmt.Sprintf("%s.%d", subject, userID)
	if err := p.conn.Publish(subj, data); err != nil {
		p.log.Warn("event publish", "subject", subj, "err", err)
	}
}

// MatchFound notifies both participants of a new pairing.
func (p *Publisher) MatchFound(matchID string, user1, user2 uint64, tier string) {
	p.publish(SubjectMatchFound, user1, MatchFound{MatchID: matchID, PartnerID: user2, Tier: tier})
	p.publish(SubjectMatchFound, user2, MatchFound{MatchID: matchID, PartnerID: user1, Tier: tier})
}

// MatchEnded notifies a participant that the match was destroyed.
func (p *Publisher) MatchEnded(userID uint64, matchID, reason string) {
	p.publish(SubjectMatchEnded, userID, MatchEnded{MatchID: matchID, Reason: reason})
}

// SessionStarted notifies both participants of a mutual yes.
func (p *Publisher) SessionStarted(matchID string, user1, user2 uint64) {
	p.publish(SubjectSessionStarted, user1, SessionStarted{MatchID: matchID, PartnerID: user2})
	p.publish(SubjectSessionStarted, user2, SessionStarted{MatchID: matchID, PartnerID: user1})
}

// Requeued notifies a user they were returned to the queue.
func (p *Publisher) Requeued(userID uint64) {
	p.publish(SubjectRequeued, userID, struct{}{})
}
