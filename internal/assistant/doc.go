// Package assistant answers typed user messages with an OpenAI-compatible
// chat completion and appends both sides to the conversation.
package assistant
