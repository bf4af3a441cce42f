package dsx

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac/registry"
)

const (
	evSend      = "send"
	evAwait     = "await"
	evResponse  = "response"
	evRespond   = "respond"
	evAck       = "ack"
	evHold      = "hold"
	evExhausted = "exhausted"
	evExpire    = "expire"
)

func st(s registry.TxnState) string { return string(s) }

var localEvents = fsm.Events{
	{Name: evSend, Src: []string{st(registry.TxnBegin)}, Dst: st(registry.TxnRequestSent)},
	{Name: evAwait, Src: []string{st(registry.TxnRequestSent)}, Dst: st(registry.TxnRspPending)},
	{Name: evResponse, Src: []string{st(registry.TxnRspPending)}, Dst: st(registry.TxnAckSent)},
	{Name: evHold, Src: []string{st(registry.TxnAckSent), st(registry.TxnRspPending)}, Dst: st(registry.TxnHoldingDown)},
	{Name: evExhausted, Src: []string{st(registry.TxnRspPending)}, Dst: st(registry.TxnRetryExhausted)},
	{Name: evExpire, Src: []string{st(registry.TxnHoldingDown), st(registry.TxnRetryExhausted)}, Dst: st(registry.TxnEnd)},
}

var remoteEvents = fsm.Events{
	{Name: evRespond, Src: []string{st(registry.TxnBegin)}, Dst: st(registry.TxnRspSent)},
	{Name: evAwait, Src: []string{st(registry.TxnRspSent)}, Dst: st(registry.TxnAckPending)},
	{Name: evAck, Src: []string{st(registry.TxnAckPending)}, Dst: st(registry.TxnHoldingDown)},
	{Name: evHold, Src: []string{st(registry.TxnRspSent)}, Dst: st(registry.TxnHoldingDown)},
	{Name: evExhausted, Src: []string{st(registry.TxnAckPending)}, Dst: st(registry.TxnRetryExhausted)},
	{Name: evExpire, Src: []string{st(registry.TxnHoldingDown), st(registry.TxnRetryExhausted)}, Dst: st(registry.TxnEnd)},
}

// ErrInvalidTransition is returned when an event does not apply to a
// transaction's state.
var ErrInvalidTransition = errors.New("dsx: invalid transition")

func fire(ctx context.Context, t *registry.Transaction, event string) error {
	events := localEvents
	if t.Role == registry.Remote {
		events = remoteEvents
	}
	m := fsm.NewFSM(string(t.State), events, nil)
	if err := m.Event(ctx, event); err != nil {
		var same fsm.NoTransitionError
		if !errors.As(err, &same) {
			return fmt.Errorf("%w: %s %s %s in %s: %v", ErrInvalidTransition, t.Role, t.Kind, event, t.State, err)
		}
	}
	t.State = registry.TxnState(m.Current())
	return nil
}
