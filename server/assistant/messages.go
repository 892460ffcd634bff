package assistant

import (
	"fmt"
	"net/http"

	"github.com/hrygo/askparrot/server/ai"
)

// DefaultSystemPrompt steers the model towards short Markdown answers in the
// user's language.
const DefaultSystemPrompt = `You are a helpful assistant inside a Telegram bot.
Answer in the language the question was asked in.
Never escape characters in your answer and never put backslashes before punctuation.
Use plain Markdown for formatting: **bold**, *italic*, ` + "`code`" + ` or fenced code blocks, [text](url) links.
Be friendly. If the question is unclear, politely ask for clarification.
Keep answers under 1500 characters and remember the earlier messages of the conversation.`

// TemporaryErrorMessage is sent when the bot could not process a question.
const TemporaryErrorMessage = "⚠️ Something went wrong while processing your question. Please try again."

// LimitReachedMessage tells the user the daily quota is used up.
func LimitReachedMessage(limit int) string {
	return fmt.Sprintf("⏳ You have used all %d AI requests for today. The limit resets at midnight.", limit)
}

// ProviderErrorMessage turns a provider failure into a user-facing notice.
func ProviderErrorMessage(err error) string {
	switch ai.StatusCode(err) {
	case http.StatusUnauthorized:
		return "🔑 The AI service rejected the API key. Please contact the administrator."
	case http.StatusNotFound:
		return "❌ The configured AI model was not found. Please contact the administrator."
	case http.StatusTooManyRequests:
		return "⏳ The AI service is receiving too many requests. Please try again later."
	default:
		return "⚠️ The AI service is temporarily unavailable. Please try again later."
	}
}
