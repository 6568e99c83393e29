// Copyright (C) 2025 Driftline AI (oss@driftline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rag

import (
	"github.com/driftline-ai/driftline/services/orchestrator/datatypes"
)

// SystemInstruction is the fixed instruction that opens every prompt.
const SystemInstruction = `You are a helpful assistant. Use the retrieved context and the conversation so far to answer the user's question.
If the context doesn't contain relevant information, say so and provide what help you can.`

// ContextLeadIn prefixes the retrieved context in its own system message.
const ContextLeadIn = "Use the following retrieved context from the user's documents to answer."

// ComposePrompt builds the LLM message array for one exchange.
//
// # Description
//
// The prompt is assembled as:
//  1. The fixed system instruction.
//  2. When the selection is non-empty, a second system message carrying the
//     lead-in and the rendered context.
//  3. The recent history in chronological order. The current user message is
//     persisted before history is loaded, so a trailing user message whose
//     content equals the current message is excluded here; it reappears as
//     the final message below.
//  4. The current user message, always last.
//
// # Inputs
//
//   - selection: Budgeted context. May be empty.
//   - history: Stored messages, oldest first.
//   - userMessage: Trimmed current user message.
//
// # Outputs
//
//   - []datatypes.Message: Messages ready for the LLM.
func ComposePrompt(selection datatypes.ContextSelection, history []datatypes.StoredMessage,
	userMessage string) []datatypes.Message {

	// Drop the just-persisted duplicate of the current message.
	if n := len(history); n > 0 {
		last := history[n-1]
		if last.Role == datatypes.RoleUser && last.Content == userMessage {
			history = history[:n-1]
		}
	}

	capacity := 2 + len(history) + 1
	messages := make([]datatypes.Message, 0, capacity)

	messages = append(messages, datatypes.Message{
		Role:    datatypes.RoleSystem,
		Content: SystemInstruction,
	})

	if !selection.Empty() {
		messages = append(messages, datatypes.Message{
			Role:    datatypes.RoleSystem,
			Content: ContextLeadIn + "\n\n" + selection.Text,
		})
	}

	for _, m := range history {
		messages = append(messages, datatypes.Message{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	messages = append(messages, datatypes.Message{
		Role:    datatypes.RoleUser,
		Content: userMessage,
	})

	return messages
}
