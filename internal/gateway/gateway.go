// Package gateway authorizes chat connections and channel subscriptions and
// publishes payloads to a study's live subscribers.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"studychat/api/internal/chat"
	"studychat/api/internal/realtime"
)

// IdentityGate resolves a connection credential to a user.
type IdentityGate interface {
	Resolve(ctx context.Context, credential string) (chat.Identity, error)
}

type Gateway struct {
	gate    IdentityGate
	members chat.MembershipOracle
	hub     *realtime.Hub
	log     *slog.Logger
}

func New(gate IdentityGate, members chat.MembershipOracle, hub *realtime.Hub, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		gate:    gate,
		members: members,
		hub:     hub,
		log:     logger.With("component", "gateway"),
	}
}

func ChannelKey(studyID int64) string {
	return "study:" + strconv.FormatInt(studyID, 10) + ":chat"
}

func ParseChannelKey(key string) (int64, error) {
	raw, ok := strings.CutPrefix(key, "study:")
	if ok {
		raw, ok = strings.CutSuffix(raw, ":chat")
	}
	if !ok {
		return 0, fmt.Errorf("invalid channel key %q", key)
	}
	studyID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || studyID <= 0 {
		return 0, fmt.Errorf("invalid channel key %q", key)
	}
	return studyID, nil
}

// AuthorizeConnect runs once per physical connection, before any channel is
// touched. Any failure to resolve the credential is UnauthenticatedError.
func (g *Gateway) AuthorizeConnect(ctx context.Context, credential string) (chat.Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return chat.Identity{}, chat.Unauthenticated("missing credential")
	}
	identity, err := g.gate.Resolve(ctx, credential)
	if err != nil {
		g.log.Debug("connect rejected", "error", err)
		return chat.Identity{}, chat.Unauthenticated("invalid credential")
	}
	if identity.UserID == "" {
		return chat.Identity{}, chat.Unauthenticated("credential has no subject")
	}
	return identity, nil
}

// AuthorizeSubscribe denies anyone who is not currently a member of the study.
func (g *Gateway) AuthorizeSubscribe(ctx context.Context, studyID int64, identity chat.Identity) error {
	if identity.UserID == "" {
		return chat.Unauthenticated("connection is not authenticated")
	}
	ok, err := g.members.IsMember(ctx, studyID, identity.UserID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return chat.Forbidden("not a member of this study")
	}
	return nil
}

// Subscribe authorizes and then binds conn to the study channel.
func (g *Gateway) Subscribe(ctx context.Context, conn *realtime.Conn, studyID int64, identity chat.Identity) error {
	if err := g.AuthorizeSubscribe(ctx, studyID, identity); err != nil {
		return err
	}
	if !g.hub.Subscribe(ChannelKey(studyID), conn) {
		return realtime.ErrClosed
	}
	return nil
}

func (g *Gateway) Unsubscribe(conn *realtime.Conn, studyID int64) {
	g.hub.Unsubscribe(ChannelKey(studyID), conn)
}

func (g *Gateway) IsSubscribed(conn *realtime.Conn, studyID int64) bool {
	return g.hub.IsSubscribed(ChannelKey(studyID), conn)
}

func (g *Gateway) Attach(conn *realtime.Conn) {
	g.hub.Attach(conn)
}

// Teardown removes conn from every channel at once and returns the studies
// it had subscribed to.
func (g *Gateway) Teardown(conn *realtime.Conn) []int64 {
	left := g.hub.Detach(conn)
	studies := make([]int64, 0, len(left))
	for _, key := range left {
		if studyID, err := ParseChannelKey(key); err == nil {
			studies = append(studies, studyID)
		}
	}
	return studies
}

// Publish is fire-and-forget: no acknowledgment, no retry, no persistence.
func (g *Gateway) Publish(channelKey string, payload any) int {
	return g.hub.Publish(channelKey, payload)
}

func (g *Gateway) PublishToStudy(studyID int64, payload any) int {
	return g.Publish(ChannelKey(studyID), payload)
}
