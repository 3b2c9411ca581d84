package pipeline

import (
	"strings"

	"appbuilder/pkg/proto"
)

// previousTurns turns the newest-first stored conversation into oldest-first agent context.
// The trigger stores the user's prompt before the run starts, so a newest turn equal to the
// prompt is dropped; the router sends the prompt itself.
func previousTurns(newestFirst []proto.ConversationTurn, prompt string) []proto.ConversationTurn {
	turns := newestFirst
	if len(turns) > 0 && turns[0].Role == "user" && strings.TrimSpace(turns[0].Content) == strings.TrimSpace(prompt) {
		turns = turns[1:]
	}

	out := make([]proto.ConversationTurn, len(turns))
	for i, t := range turns {
		out[len(turns)-1-i] = t
	}
	return out
}
