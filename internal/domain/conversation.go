package domain

// ConversationID identifies a chat thread between platform users.
// The relay never creates conversations; it only scopes fan-out by them.
type ConversationID string
