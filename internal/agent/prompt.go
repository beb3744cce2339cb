package agent

import (
	"fmt"

	"github.com/satu/trellm/internal/tracker"
)

// BuildPrompt renders the task prompt for a card. The card body is not
// embedded; the agent is told to fetch the card itself so it always works
// from the latest description and comments.
func BuildPrompt(card tracker.Card, readyListID string) string {
	moveInstruction := "- Move the card to the READY TO TRY list when done"
	if readyListID != "" {
		moveInstruction = fmt.Sprintf("- Move the card to list ID %s when done", readyListID)
	}

	return fmt.Sprintf(`Work on Trello card %s

Card URL: %s

When done, commit your changes and provide a brief summary.

Important guidelines:
- Fetch the card details from Trello to get the full description and requirements
- Check ALL comments on the card - if there are comments after your last "Claude:" comment, those contain feedback you need to address (the card was moved back to TODO)
- As soon as you start working, add a comment starting with "Claude:" acknowledging you've started
- Read and understand existing code before making changes
- Write clean, maintainable code following the project's style
- Add tests when appropriate
- Commit with a clear, descriptive message
- Push your changes to the remote repository
- When done, add a comment starting with "Claude:" summarizing what was done
%s

Voice note handling:
- Check if the card has audio file attachments (voice notes, typically .opus, .ogg, .m4a, .mp3, .wav files)
- If voice notes exist, check comments to see if they've already been transcribed (look for "Transcribed: [filename]" in comments)
- For any new/untranscribed voice notes: download the file, transcribe it, and add a comment with the transcription like "Claude: Transcribed: [filename]\n[transcription content]"
- If this is a new card with a voice note and minimal description, update the card name and description based on your understanding of the transcribed voice note
- Process the transcribed instructions along with any other card content`, card.ID, card.URL, moveInstruction)
}
