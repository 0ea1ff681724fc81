package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/theoclaw/openclaw-proxy/internal/apperror"
	"github.com/theoclaw/openclaw-proxy/internal/provider"
	"github.com/theoclaw/openclaw-proxy/internal/store"
)

// StreamChat runs the streaming variant of the chat contract (steps 7-11)
// and returns the channel of Events the handler frames as SSE. An error
// returned here means nothing has been streamed yet — the caller can still
// respond with a plain error. Once the channel is returned, the producer is
// running and the caller must drain it to completion or cancel ctx.
func (o *Orchestrator) StreamChat(ctx context.Context, req Request) (<-chan Event, error) {
	prep, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	adapter, err := o.resolveAdapter(req)
	if err != nil {
		return nil, err
	}

	producerCtx, cancelProducer := context.WithCancel(ctx)
	raw, err := adapter.Stream(producerCtx, prep.req)
	if err != nil {
		cancelProducer()
		return nil, apperror.UpstreamFailure("opening upstream stream", err)
	}

	queue := unbounded(raw)
	events := make(chan Event)
	go o.drain(ctx, cancelProducer, prep, queue, events)
	return events, nil
}

// drain consumes the unbounded queue, emitting one SSE event per character,
// a keepalive on every 15-second gap, and a terminal event on completion or
// upstream failure. On client disconnect it returns without a terminal event.
func (o *Orchestrator) drain(ctx context.Context, cancelProducer func(), prep preparedChat, queue <-chan provider.StreamDelta, out chan<- Event) {
	defer close(out)
	defer cancelProducer()

	var content strings.Builder

	for {
		timer := time.NewTimer(keepaliveInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return // client disconnected; abandon silently

		case delta, ok := <-queue:
			timer.Stop()
			if !ok {
				return
			}
			if delta.Err != nil {
				emit(ctx, out, Event{Err: delta.Err})
				return
			}
			if delta.Done {
				o.finish(ctx, prep, content.String(), delta.Usage, out)
				return
			}
			for _, r := range delta.Text {
				content.WriteRune(r)
				if !emit(ctx, out, Event{Delta: string(r)}) {
					return
				}
			}

		case <-timer.C:
			if !emit(ctx, out, Event{Keepalive: true}) {
				return
			}
		}
	}
}

// finish persists the assistant message, charges usage, and emits the
// terminal success event — or a terminal error event if persistence fails.
func (o *Orchestrator) finish(ctx context.Context, prep preparedChat, content string, reportedUsage provider.Usage, out chan<- Event) {
	usage := chargeableUsage(reportedUsage, prep.promptTokens, content)

	var msg store.Message
	err := o.store.WithTx(ctx, func(tx *sql.Tx) error {
		m, err := o.store.InsertMessageTx(ctx, tx, prep.conversationID, store.RoleAssistant, content)
		if err != nil {
			return err
		}
		msg = m
		if err := o.store.TouchUpdatedAtTx(ctx, tx, prep.conversationID, time.Now().UTC()); err != nil {
			return err
		}
		return o.gate.Charge(ctx, tx, prep.deviceToken, usage.PromptTokens, usage.CompletionTokens)
	})
	if err != nil {
		emit(ctx, out, Event{Err: fmt.Errorf("persisting assistant message: %w", err)})
		return
	}

	emit(ctx, out, Event{Done: true, MessageID: msg.ID, Content: content})
}

// emit sends ev on out, or drops it silently if the client disconnects
// first. Returns false when the caller should stop producing further events.
func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// unbounded bridges a possibly-blocking producer channel into one that never
// blocks the producer: it buffers internally in a growable queue, matching
// the spec's "unbounded queue with end-of-stream sentinel" fan-out model (the
// channel close is the sentinel).
func unbounded(in <-chan provider.StreamDelta) <-chan provider.StreamDelta {
	out := make(chan provider.StreamDelta)
	go func() {
		defer close(out)
		var pending []provider.StreamDelta
		open := true
		for open || len(pending) > 0 {
			if len(pending) == 0 {
				delta, ok := <-in
				if !ok {
					open = false
					continue
				}
				pending = append(pending, delta)
				continue
			}
			select {
			case delta, ok := <-in:
				if !ok {
					open = false
					continue
				}
				pending = append(pending, delta)
			case out <- pending[0]:
				pending = pending[1:]
			}
		}
	}()
	return out
}
