package maestro

import (
	"context"
	"fmt"
	"strings"
)

// DefaultMaxRounds bounds group chats that configure no explicit limit.
const DefaultMaxRounds = 10

// ChatMessage is one contribution to a group chat transcript.
type ChatMessage struct {
	Round   int    `json:"round"`
	Speaker string `json:"speaker"`
	Content string `json:"content"`
}

// GroupChatResult is the aggregated output of a group chat step.
type GroupChatResult struct {
	Transcript  []ChatMessage `json:"transcript"`
	Rounds      int           `json:"rounds"`
	Termination string        `json:"termination"`
	LastSpeaker string        `json:"last_speaker,omitempty"`
	LastMessage string        `json:"last_message,omitempty"`
}

// GroupChatExecutor runs bounded rounds of speaker selection and message
// exchange until a termination condition fires: max rounds, consensus
// keyword, vote majority, or timeout.
type GroupChatExecutor struct{}

func (e *GroupChatExecutor) Execute(ctx context.Context, step *Step, ectx *ExecContext) (*StepResult, error) {
	chat := step.Chat

	participants := make([]*Agent, 0, len(chat.Participants))
	for _, name := range chat.Participants {
		agent, ok := ectx.Agents.Get(name)
		if !ok {
			return nil, &FatalStepError{
				Step:    step.Name,
				Wrapped: fmt.Errorf("group chat participant %q not registered", name),
			}
		}
		participants = append(participants, agent)
	}
	if ectx.LLM == nil {
		return nil, &FatalStepError{Step: step.Name, Wrapped: fmt.Errorf("group chat requires an LLM service")}
	}

	maxRounds := chat.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	if chat.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, chat.Timeout)
		defer cancel()
	}

	result := &GroupChatResult{}
	votes := map[string]bool{}

	for round := 1; round <= maxRounds; round++ {
		speaker, err := e.selectSpeaker(ctx, chat, participants, round, result.Transcript, ectx)
		if err != nil {
			return nil, err
		}

		content, err := ectx.LLM.Call(ctx, chatPrompt(chat, speaker, result.Transcript), map[string]any{
			"step":    step.Name,
			"round":   round,
			"speaker": speaker.Name,
		})
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				result.Termination = "timeout"
				break
			}
			return nil, err
		}

		message := ChatMessage{Round: round, Speaker: speaker.Name, Content: content}
		result.Transcript = append(result.Transcript, message)
		result.Rounds = round
		result.LastSpeaker = speaker.Name
		result.LastMessage = content

		if chat.ConsensusKeyword != "" && strings.Contains(content, chat.ConsensusKeyword) {
			result.Termination = "consensus"
			break
		}
		if chat.VoteKeyword != "" && strings.Contains(content, chat.VoteKeyword) {
			votes[speaker.Name] = true
			if 2*len(votes) > len(participants) {
				result.Termination = "vote_majority"
				break
			}
		}
		if ctx.Err() != nil {
			result.Termination = "timeout"
			break
		}
	}
	if result.Termination == "" {
		result.Termination = "max_rounds"
	}

	return &StepResult{Output: result}, nil
}

// selectSpeaker applies the configured selection policy.
func (e *GroupChatExecutor) selectSpeaker(ctx context.Context, chat *GroupChatSpec, participants []*Agent, round int, transcript []ChatMessage, ectx *ExecContext) (*Agent, error) {
	switch chat.Selection {
	case SelectPriority:
		best := participants[0]
		for _, agent := range participants[1:] {
			if agent.Priority > best.Priority {
				best = agent
			}
		}
		return best, nil

	case SelectExpertise:
		// Highest declared score for the chat topic, registration order
		// breaking ties.
		best := participants[0]
		bestScore := best.Capabilities[chat.Topic]
		for _, agent := range participants[1:] {
			if score := agent.Capabilities[chat.Topic]; score > bestScore {
				best, bestScore = agent, score
			}
		}
		return best, nil

	case SelectExternal:
		handler, ok := ectx.Handlers.Get(chat.Selector)
		if !ok {
			return nil, &FatalStepError{
				Step:    chat.Selector,
				Wrapped: fmt.Errorf("external speaker selector %q not registered", chat.Selector),
			}
		}
		output, err := handler.Execute(ctx, map[string]any{
			"round":        round,
			"participants": chat.Participants,
			"transcript":   transcript,
		})
		if err != nil {
			return nil, err
		}
		name, _ := output.(string)
		for _, agent := range participants {
			if agent.Name == name {
				return agent, nil
			}
		}
		return nil, &FatalStepError{
			Step:    chat.Selector,
			Wrapped: fmt.Errorf("selector returned unknown participant %q", name),
		}

	default: // round robin
		return participants[(round-1)%len(participants)], nil
	}
}

// chatPrompt builds the prompt for one speaker turn.
func chatPrompt(chat *GroupChatSpec, speaker *Agent, transcript []ChatMessage) string {
	var b strings.Builder
	if speaker.SystemPrompt != "" {
		b.WriteString(speaker.SystemPrompt)
		b.WriteString("\n\n")
	}
	if chat.Topic != "" {
		fmt.Fprintf(&b, "Topic: %s\n", chat.Topic)
	}
	for _, message := range transcript {
		fmt.Fprintf(&b, "%s: %s\n", message.Speaker, message.Content)
	}
	fmt.Fprintf(&b, "%s:", speaker.Name)
	return b.String()
}
