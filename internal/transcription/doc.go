// Package transcription defines the boundary to the speech-to-text engine.
// Engine decodes one window of samples into timed segments. Client posts
// windows as WAV uploads to an OpenAI-compatible HTTP endpoint with retries
// and exponential backoff; OpenAIEngine does the same through go-openai.
package transcription
