package orchestrator

import (
	"context"
	"database/sql"
	"time"

	"github.com/theoclaw/openclaw-proxy/internal/apperror"
	"github.com/theoclaw/openclaw-proxy/internal/provider"
	"github.com/theoclaw/openclaw-proxy/internal/quota"
	"github.com/theoclaw/openclaw-proxy/internal/store"
)

// Invoke runs the non-streaming variant of the chat contract: steps 7-11
// collapse into one upstream call and one persisted reply.
func (o *Orchestrator) Invoke(ctx context.Context, req Request) (Result, error) {
	prep, err := o.prepare(ctx, req)
	if err != nil {
		return Result{}, err
	}

	adapter, err := o.resolveAdapter(req)
	if err != nil {
		return Result{}, err
	}

	result, err := adapter.Complete(ctx, prep.req)
	if err != nil {
		return Result{}, apperror.UpstreamFailure("invoking upstream provider", err)
	}

	usage := chargeableUsage(result.Usage, prep.promptTokens, result.Content)

	var msg store.Message
	err = o.store.WithTx(ctx, func(tx *sql.Tx) error {
		m, err := o.store.InsertMessageTx(ctx, tx, prep.conversationID, store.RoleAssistant, result.Content)
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
		return Result{}, apperror.Internal("persisting assistant message", err)
	}

	return Result{MessageID: msg.ID, Content: result.Content, Usage: usage}, nil
}

// chargeableUsage bills the prompt side at the orchestrator's own estimate —
// the same value already used to pass the quota gate — regardless of what
// the adapter reports, per the "prompt_tokens + approx_tokens" accounting
// rule. Only the completion side falls back to a local estimate when the
// adapter doesn't report one.
func chargeableUsage(reported provider.Usage, promptEstimate int, content string) provider.Usage {
	out := reported
	out.PromptTokens = promptEstimate
	if out.CompletionTokens == 0 {
		out.CompletionTokens = quota.EstimateTokens(content)
	}
	return out
}
