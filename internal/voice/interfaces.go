package voice

import (
	"context"

	"github.com/ent0n29/wayfarer/internal/agent"
	"github.com/ent0n29/wayfarer/internal/protocol"
)

// AgentSession is an open voice agent connection bound to one session.
type AgentSession interface {
	SessionID() string
	Events() <-chan protocol.AgentEvent
	SendAudio(chunk []byte) error
	RespondFunctionCall(callID string, success bool, message string) error
	Close() error
}

// AgentConnector opens AgentSessions. onAttempt is called before each dial.
type AgentConnector interface {
	Connect(ctx context.Context, sessionID string, onAttempt func(attempt int)) (AgentSession, error)
}

type connectorFunc func(ctx context.Context, sessionID string, onAttempt func(attempt int)) (AgentSession, error)

func (f connectorFunc) Connect(ctx context.Context, sessionID string, onAttempt func(attempt int)) (AgentSession, error) {
	return f(ctx, sessionID, onAttempt)
}

// FromAgentConnector adapts the websocket connector.
func FromAgentConnector(c *agent.Connector) AgentConnector {
	return connectorFunc(func(ctx context.Context, sessionID string, onAttempt func(int)) (AgentSession, error) {
		conn, err := c.Connect(ctx, sessionID, onAttempt)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}
