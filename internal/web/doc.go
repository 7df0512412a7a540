// Package web serves the browser client's HTTP API.
//
// Sends arrive as multipart forms and run through the conversation service's
// two-phase send: the optimistic user message comes back in the POST response,
// and the settlement (agent reply or diagnostic) is delivered over the SSE
// stream or the WebSocket channel for the same agent. Duplicate submissions
// carrying the same clientMessageId are dropped by a time-windowed guard.
//
// Endpoints:
//
//	GET    /api/agents                            configured agents + in-flight flag
//	GET    /api/conversations                     listing, folder grouping, ?q= search
//	PUT    /api/conversations/{agentID}/folder    assign or clear a folder
//	POST   /api/chat/{agentID}/send               multipart user submission
//	GET    /api/chat/{agentID}/events             SSE settlement stream
//	GET    /api/chat/{agentID}/ws                 WebSocket settlement stream
//	GET    /api/chat/{agentID}/messages           messages, ?q= filter, ?render=html
//	GET    /api/folders                           folder listing
//	POST   /api/folders                           create folder
//	DELETE /api/folders/{id}                      delete folder, conversations unassigned
//	PUT    /api/settings                          replace global webhook settings
//	PUT    /api/settings/{agentID}                install per-agent override
//	DELETE /api/settings/{agentID}                remove per-agent override
package web
