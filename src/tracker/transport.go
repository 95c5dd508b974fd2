package tracker

import (
	"context"

	"github.com/hendrywilliam/chime/src/gateway"
	"github.com/hendrywilliam/chime/src/presence"
	"github.com/hendrywilliam/chime/src/session"
	"github.com/hendrywilliam/chime/src/structs"
)

// GatewayTransport broadcasts presence over the persistent socket.
type GatewayTransport struct {
	gw *gateway.Gateway
}

func NewGatewayTransport(gw *gateway.Gateway) *GatewayTransport {
	return &GatewayTransport{gw: gw}
}

func (gt *GatewayTransport) SetActivity(ctx context.Context, invisible bool, st *presence.State) error {
	return gt.gw.SendPresence(ctx, invisible, func(out *presence.State) {
		*out = *st
	})
}

func (gt *GatewayTransport) Clear(ctx context.Context, invisible bool) error {
	return gt.gw.SendDefaultPresence(invisible)
}

func (gt *GatewayTransport) UserDetails(ctx context.Context) (*structs.User, error) {
	return gt.gw.User(ctx)
}

func (gt *GatewayTransport) Close(ctx context.Context) error {
	gt.gw.Stop()
	return nil
}

// SessionTransport broadcasts presence through headless sessions, the
// maintenance-friendly default: no standing connection to babysit.
type SessionTransport struct {
	client   *session.Client
	composer *presence.Composer
}

func NewSessionTransport(client *session.Client, composer *presence.Composer) *SessionTransport {
	return &SessionTransport{client: client, composer: composer}
}

func (st *SessionTransport) SetActivity(ctx context.Context, invisible bool, ps *presence.State) error {
	activity := st.composer.SessionActivity(ctx, ps)
	return st.client.NewActivity(ctx, &activity)
}

func (st *SessionTransport) Clear(ctx context.Context, invisible bool) error {
	return st.client.DeleteSession(ctx)
}

func (st *SessionTransport) UserDetails(ctx context.Context) (*structs.User, error) {
	return st.client.GetUserDetails(ctx)
}

func (st *SessionTransport) Close(ctx context.Context) error {
	return st.client.DeleteSession(ctx)
}
