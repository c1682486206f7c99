package chat

// EndSentinel is the reserved stream payload that marks a completed reply.
const EndSentinel = "[END]"

// AppendChunk folds one streamed chunk into the transcript and returns the
// updated slice.
//
// A chunk that follows a user message (or an empty transcript) opens a new
// assistant message, even when the chunk is empty. Any other chunk is
// concatenated onto the trailing assistant message. The end sentinel is
// ignored.
func AppendChunk(messages []Message, chunk string) []Message {
	if chunk == EndSentinel {
		return messages
	}

	n := len(messages)
	if n == 0 || messages[n-1].Role != RoleAssistant {
		return append(messages, AssistantMessage(chunk))
	}

	messages[n-1].Content += chunk
	return messages
}
