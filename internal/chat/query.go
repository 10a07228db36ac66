package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cart-inception/Yohan-Interface/internal/comms"
	"github.com/cart-inception/Yohan-Interface/internal/domain"
	"github.com/cart-inception/Yohan-Interface/internal/llm"
	"github.com/cart-inception/Yohan-Interface/internal/protocol"
	"github.com/cart-inception/Yohan-Interface/internal/situation"
)

// handleQuery runs the query lifecycle. Once a query is accepted it emits
// exactly one terminal ack (when the client supplied a messageId), and the
// generation and persistence steps run to completion even if the client leaves.
func (p *Pipeline) handleQuery(ctx context.Context, s comms.Session, msg protocol.Message) {
	q, _ := msg.(protocol.LLMQuery)
	if err := protocol.ValidateQuery(&q); err != nil {
		p.sendError(ctx, s, err.Error(), protocol.ErrorTypeValidation)
		return
	}

	ctx = context.WithoutCancel(ctx)
	log := p.logger.With("session_id", s.SessionID, "message_id", q.MessageID)
	ack := &ackState{messageID: q.MessageID}

	p.ack(ctx, s, ack, protocol.AckReceived, "")
	p.ack(ctx, s, ack, protocol.AckProcessing, "")
	start := p.now()

	prior, err := p.store.CountMessages(ctx, s.SessionID)
	if err != nil {
		log.Error("Failed to read session state", "error", err)
		p.failQuery(ctx, s, ack, "Failed to process message", err)
		return
	}

	userMsg, err := p.store.AppendMessage(ctx, s.SessionID, domain.RoleUser, q.Message, nil)
	if err != nil {
		log.Error("Failed to persist user message", "error", err)
		p.failQuery(ctx, s, ack, "Failed to process message", err)
		return
	}

	history, err := p.store.LoadRecentMessages(ctx, s.SessionID, p.cfg.HistoryWindow)
	if err != nil {
		log.Warn("Failed to load history, continuing without it", "error", err)
		history = nil
	}
	if prior > 0 {
		history = p.withSessionContext(ctx, s.SessionID, history, log)
	}
	turns := make([]llm.Turn, 0, len(history)+1)
	for _, m := range history {
		if m.MessageID == userMsg.MessageID {
			continue
		}
		turns = append(turns, llm.Turn{Role: m.Role, Content: m.Content})
	}

	if prior == 0 {
		rendered := situation.Render(p.context.Gather(ctx))
		if _, err := p.store.AppendMessage(ctx, s.SessionID, domain.RoleSystem, rendered,
			&domain.MessageMeta{ContextData: rendered}); err != nil {
			log.Warn("Failed to persist session context", "error", err)
		}
		turns = append(turns, llm.Turn{Role: domain.RoleSystem, Content: rendered})
	}

	res, err := p.generator.Generate(ctx, llm.Request{Message: q.Message, History: turns})
	if err != nil {
		log.Error("Generation failed", "kind", llm.KindOf(err), "error", err)
		if _, perr := p.store.AppendMessage(ctx, s.SessionID, domain.RoleAssistant,
			fmt.Sprintf("Error: %v", err), nil); perr != nil {
			log.Warn("Failed to persist error turn", "error", perr)
		}
		p.ack(ctx, s, ack, protocol.AckError, err.Error())
		p.sendError(ctx, s, "Failed to generate response", protocol.ErrorTypeLLM)
		return
	}

	elapsed := p.now().Sub(start).Milliseconds()
	tokens := res.Usage.TotalTokens
	reply, err := p.store.AppendMessage(ctx, s.SessionID, domain.RoleAssistant, res.Content, &domain.MessageMeta{
		TokenCount:       &tokens,
		ModelUsed:        res.Model,
		ProcessingTimeMs: &elapsed,
	})
	replyID := ""
	if err != nil {
		log.Warn("Failed to persist assistant reply", "error", err)
	} else {
		replyID = reply.MessageID
	}

	p.send(ctx, s, protocol.LLMResponse(protocol.LLMResponsePayload{
		Message:        res.Content,
		Timestamp:      protocol.Timestamp(p.now()),
		ConversationID: q.ConversationID,
		Usage: &protocol.Usage{
			InputTokens:  res.Usage.InputTokens,
			OutputTokens: res.Usage.OutputTokens,
			TotalTokens:  res.Usage.TotalTokens,
		},
		Model:     res.Model,
		MessageID: replyID,
		InReplyTo: q.MessageID,
	}))
	p.ack(ctx, s, ack, protocol.AckDelivered, "")
	log.Info("Query answered", "model", res.Model, "processing_ms", elapsed, "attempts", res.Attempts)
}

// withSessionContext prepends the session's system messages that fell out of
// the history window. Those are older than every message in the window.
func (p *Pipeline) withSessionContext(ctx context.Context, sessionID string, history []*domain.ChatMessage, log *slog.Logger) []*domain.ChatMessage {
	systems, err := p.store.LoadSystemMessages(ctx, sessionID)
	if err != nil {
		log.Warn("Failed to load session context", "error", err)
		return history
	}
	inWindow := make(map[string]struct{}, len(history))
	for _, m := range history {
		inWindow[m.MessageID] = struct{}{}
	}
	var dropped []*domain.ChatMessage
	for _, m := range systems {
		if _, ok := inWindow[m.MessageID]; !ok {
			dropped = append(dropped, m)
		}
	}
	if len(dropped) == 0 {
		return history
	}
	return append(dropped, history...)
}

func (p *Pipeline) failQuery(ctx context.Context, s comms.Session, ack *ackState, msg string, err error) {
	p.ack(ctx, s, ack, protocol.AckError, err.Error())
	p.sendError(ctx, s, msg, protocol.ErrorTypeProcessing)
}

func (p *Pipeline) ack(ctx context.Context, s comms.Session, ack *ackState, status protocol.AckStatus, errMsg string) {
	if !ack.advance(status) {
		return
	}
	p.send(ctx, s, protocol.MessageAck(ack.messageID, status, p.now(), errMsg))
}
