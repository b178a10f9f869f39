package bus

// Stable topic strings shared across components. Renaming any of these is a
// breaking change for data-channel consumers.
const (
	TopicCallState           = "daily.call.state"
	TopicParticipantJoin     = "daily.participant.join"
	TopicParticipantLeave    = "daily.participant.leave"
	TopicParticipantsChange  = "daily.participants.change"
	TopicParticipantIdentity = "daily.participant.identity"

	TopicBotSpeakingStarted = "bot.speaking.started"
	TopicBotSpeakingStopped = "bot.speaking.stopped"
	TopicBotTranscript      = "bot.transcript"

	TopicConversationGreeting = "bot.conversation.greeting"
	TopicConversationBeat     = "bot.conversation.pacing.beat"
	TopicConversationWrapup   = "bot.conversation.wrapup"
	TopicSessionEnd           = "bot.session.end"

	TopicAdminPrompt       = "admin.prompt.message"
	TopicLLMContextMessage = "llm.context.message"
)
