// Package personabot implements the persona conversation engine for a
// Discord automation bot: simulated characters that respond in dedicated
// channels, to role mentions, or in direct messages, backed by OpenAI
// language models.
//
// Key components of the package include:
//
//   - PersonaBot: The main struct that encapsulates the bot's core functionality.
//   - Discord: Handles the gateway session and inbound message conversion.
//   - OpenAI: Manages chat completion, summarization, and image generation.
//   - Orchestrator: Drives a single conversation turn end to end.
//   - HistoryBuffer: Bounded per-channel conversation history.
//   - CascadeExecutor: Ordered model fallback with quota-aware fall-through.
//   - Consolidator: Background extraction of long-term memories.
//   - API: Persona CRUD and guild configuration endpoints for the dashboard.
//
// Replies in guild channels are rendered under the persona's name and avatar
// via per-channel webhooks; direct message replies are sent as the bot's own
// identity. Long-term memories about participants are extracted off the reply
// path and used to personalize future prompts.
package personabot
