package multitab

import (
	"context"
	"encoding/json"
	"errors"

	"tabsync/internal/protocol"
	"tabsync/internal/rpc"
)

// CallOnMaster asks the master tab to run a call on its worker. The reply
// comes back as messageResponse addressed to this tab.
func (b *Bus) CallOnMaster(ctx context.Context, env protocol.Envelope) error {
	return b.publish(ctx, Message{
		Type:         TypeCallAPI,
		Token:        b.token,
		MessageID:    env.MessageID,
		Name:         env.Name,
		Args:         env.Args,
		WithCallback: env.WithCallback,
	})
}

func (b *Bus) CancelOnMaster(ctx context.Context, messageID string) error {
	return b.publish(ctx, Message{Type: TypeCancelAPIProgress, Token: b.token, MessageID: messageID})
}

func (b *Bus) InitOnMaster(ctx context.Context, initialArgs json.RawMessage) error {
	return b.publish(ctx, Message{Type: TypeInitAPI, Token: b.token, InitialArgs: initialArgs})
}

// ShareLocalDB sends local DB changes from the master to the other tabs.
func (b *Bus) ShareLocalDB(ctx context.Context, updates []LocalDBUpdate) error {
	if !b.isMaster() || len(updates) == 0 {
		return nil
	}
	return b.publish(ctx, Message{Type: TypeLocalDBUpdate, BatchedUpdates: updates})
}

func (b *Bus) ShareFullLocalDB(ctx context.Context, db rpc.LocalDBSnapshot) error {
	if !b.isMaster() {
		return nil
	}
	return b.publish(ctx, Message{Type: TypeLocalDBUpdateFull, LocalDB: db})
}

func (b *Bus) onInitAPI(msg Message) {
	if !b.isMaster() || b.opts.API == nil {
		return
	}
	go func() {
		if err := b.opts.API.Init(b.ctx, msg.InitialArgs); err != nil {
			b.log.Warn("init requested by tab failed", "from", msg.Token, "err", err)
		}
	}()
}

func (b *Bus) onCallAPI(msg Message) {
	if !b.isMaster() || !b.isResolved() || b.opts.API == nil {
		return
	}
	requester, messageID := msg.Token, msg.MessageID

	var opts []rpc.CallOption
	if msg.WithCallback {
		progress := rpc.NewProgress(func(args []json.RawMessage) {
			b.post(Message{
				Type:         TypeMessageCallback,
				Token:        requester,
				MessageID:    messageID,
				CallbackArgs: args,
			})
		})
		b.mu.Lock()
		b.relayed[messageID] = progress
		b.mu.Unlock()
		opts = append(opts, rpc.WithProgress(progress))
	}

	args := make([]any, len(msg.Args))
	for i, a := range msg.Args {
		args[i] = a
	}
	fut := b.opts.API.CallLocal(msg.Name, args, opts...)

	go func() {
		res, err := fut.Wait(b.ctx)
		b.mu.Lock()
		delete(b.relayed, messageID)
		b.mu.Unlock()
		if errors.Is(err, context.Canceled) && b.ctx.Err() != nil {
			return
		}

		reply := Message{Type: TypeMessageResponse, Token: requester, MessageID: messageID}
		if err != nil {
			reply.Error = protocol.NewRemoteError(err)
		} else {
			reply.Response = res.Value
			reply.ArrayBuffer = res.ArrayBuffer
		}
		b.post(reply)
	}()
}

func (b *Bus) onCancelAPIProgress(msg Message) {
	if !b.isMaster() || !b.isResolved() || b.opts.API == nil {
		return
	}
	b.mu.Lock()
	progress, ok := b.relayed[msg.MessageID]
	b.mu.Unlock()
	if ok {
		b.opts.API.Cancel(progress)
	}
}

// addressedToMe filters relay traffic meant for this non-master tab.
func (b *Bus) addressedToMe(msg Message) bool {
	return !b.isMaster() && b.isResolved() && b.opts.API != nil && msg.Token == b.token
}

func (b *Bus) onMessageResponse(msg Message) {
	if b.addressedToMe(msg) {
		b.opts.API.HandleResponse(msg.envelope())
	}
}

func (b *Bus) onMessageCallback(msg Message) {
	if b.addressedToMe(msg) {
		b.opts.API.HandleCallback(msg.envelope())
	}
}

func (b *Bus) onLocalDBUpdate(msg Message) {
	if b.isMaster() || !b.isResolved() || b.opts.API == nil {
		return
	}
	for _, u := range msg.BatchedUpdates {
		b.opts.API.UpdateLocalDB(u.Name, u.Prop, u.Value)
	}
}

func (b *Bus) onLocalDBUpdateFull(msg Message) {
	if b.isMaster() || !b.isResolved() || b.opts.API == nil {
		return
	}
	b.opts.API.UpdateFullLocalDB(msg.LocalDB)
}
