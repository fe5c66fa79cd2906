package pipeline

import (
	"chatzone/internal/api"
	"chatzone/internal/message"
	"chatzone/internal/normalize"
)

// deliverAssistant persists the user's prompt to the assistant history,
// confirms it without a socket broadcast, then asks for a reply.
func (p *Pipeline) deliverAssistant(msg message.Message, attempt int) {
	tempID := msg.TempID
	confirmed, ok := p.persistOnce(msg, attempt, true)
	if !ok {
		return
	}
	history := p.assistantContext(tempID)
	if !p.confirm(tempID, attempt, confirmed) {
		return
	}
	p.reply(msg.Text, history)
}

// assistantContext returns the latest turns of the assistant conversation,
// excluding the prompt being sent.
func (p *Pipeline) assistantContext(exclude string) []api.Turn {
	merged := p.store.Snapshot().Merged(p.cfg.Self, p.cfg.AssistantName, p.store.Matcher())
	turns := make([]api.Turn, 0, assistantContextSize)
	for _, m := range merged {
		if m.TempID == exclude && exclude != "" {
			continue
		}
		if m.Status != message.StatusSent || m.IsFile() {
			continue
		}
		role := "assistant"
		if m.FromUser == p.cfg.Self {
			role = "user"
		}
		turns = append(turns, api.Turn{Role: role, Content: m.Text})
	}
	if len(turns) > assistantContextSize {
		turns = turns[len(turns)-assistantContextSize:]
	}
	return turns
}

func (p *Pipeline) reply(prompt string, history []api.Turn) {
	peer := p.cfg.AssistantName
	p.typing(peer, true)
	var (
		text string
		err  error
	)
	if p.ask != nil {
		text, err = p.ask.Ask(p.ctx, prompt, history, p.cfg.Self)
	}
	p.typing(peer, false)

	reply := message.Message{
		TempID:    normalize.NewTempID(),
		FromUser:  peer,
		ToUser:    p.cfg.Self,
		Kind:      message.KindText,
		Timestamp: p.norm.Now(),
		Status:    message.StatusSent,
	}
	if p.ask == nil || err != nil || text == "" {
		if err != nil {
			p.log.Warn().Err(err).Msg("assistant request failed")
			if p.hooks.Failed != nil {
				p.hooks.Failed("", "ask", err)
			}
		}
		// The apology is local only and is not persisted.
		reply.Text = AssistantApology
		p.publishReply(reply)
		return
	}
	reply.Text = text
	if p.persist != nil {
		saved, serr := p.persist.SaveAssistantMessage(p.ctx, reply)
		if serr != nil {
			p.log.Warn().Err(serr).Msg("persist assistant reply")
		} else {
			reply = mergeSaved(reply, saved)
		}
	}
	p.publishReply(reply)
}

func (p *Pipeline) publishReply(reply message.Message) {
	if p.store.AddSent(reply) == 0 {
		p.metrics.IncDuplicate()
		return
	}
	p.metrics.IncReceived()
	if p.hooks.Reply != nil {
		p.hooks.Reply(reply)
	}
}

func (p *Pipeline) typing(peer string, on bool) {
	if p.hooks.Typing != nil {
		p.hooks.Typing(peer, on)
	}
}
