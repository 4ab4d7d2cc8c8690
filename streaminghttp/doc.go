// Package streaminghttp implements the HTTP surface of the chat streaming
// broker. It mounts as a standard net/http handler.
//
// Routes (prefix defaults to /api/chat)
//
//	POST {prefix}/request      submit a chat request, returns {sessionId}
//	GET  {prefix}/stream/{id}  attach to a stream id (Server-Sent Events)
//	POST {prefix}/history      recent finished exchanges of the caller
//	GET  /metrics              Prometheus metrics
//
// Submit and history require a bearer token and are subject to the optional
// per-address flow limiter. Attach requires no credential: a live session
// record for the stream id is the authorization.
//
// Construction
//
//	h, err := streaminghttp.New(authenticator, submitter, history, sessionRegistry, conns,
//	    streaminghttp.WithLogger(log),
//	    streaminghttp.WithFlowLimiter(flow),
//	)
//
// # Stream frames
//
//	event: CONNECT / data: Stream established for <id>   once, after attach
//	data: |<fragment>                                   content
//	data: [DONE]                                        normal end
//	event: ERROR / data: [ERROR]: <message>             abnormal end
//
// A rejected attach (unknown or expired id, or an id that already has a
// listener) still answers 200 with a single ERROR frame and closes, so
// EventSource clients see the reason instead of a reconnect loop.
//
// # Error Handling
//
// JSON responses use the envelope {"code","data","message"} with code equal
// to the HTTP status: 400 invalid input, 401 missing or invalid credential,
// 403 throttled, 503 shared store unavailable, 500 anything else.
package streaminghttp
