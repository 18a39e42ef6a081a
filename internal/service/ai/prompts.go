package ai

import (
	"fmt"
	"strings"
)

const assistantIdentity = "You are Accord, an AI assistant in a chat application."

// buildCompletePrompt returns the system and user messages for a tagged turn.
func buildCompletePrompt(prompt string, history []Turn) (system, query string) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		prompt = "Someone mentioned you without a question. Greet them briefly and offer to help."
	}

	if len(history) == 0 {
		system = assistantIdentity + ` A user has tagged you with a question.

Instructions:
- Be helpful, friendly, and conversational
- Provide clear and concise answers
- If the question is unclear, ask for clarification`
		return system, prompt
	}

	system = fmt.Sprintf(`%s You've been tagged in a conversation.

Conversation context:
%s

Instructions:
- If the question refers to the conversation history, use that context to provide a relevant answer
- If it's asking for analysis, summary, or insights about the conversation, provide that
- If it's a general question not related to the history, answer based on your knowledge
- Be conversational, helpful, and concise
- If you need clarification, ask a follow-up question`, assistantIdentity, RenderHistory(history))
	return system, prompt
}

// buildAnalysisPrompt returns the system and user messages for a room analysis.
func buildAnalysisPrompt(history []Turn) (system, query string) {
	system = `You are Accord, an advanced AI psychologist and communication analyst. Your task is to perform a deep, unbiased analysis of the following conversation. Do not take sides. Your analysis should be structured into three parts:

1. Interaction Summary: Briefly summarize the main topics of discussion and who said what.
2. Emotional Tone Analysis: Identify the underlying emotions for each participant. Provide brief quotes as evidence.
3. Psychological Dynamics: Analyze the communication patterns. Is one person more dominant? Is there a misunderstanding? Are there signs of collaboration or conflict?`

	query = fmt.Sprintf("Conversation history:\n%s\n---\nProvide your analysis now:", RenderHistory(history))
	return system, query
}
