// Package transport provides the raw channels a pull client talks over: a
// persistent websocket and repeated long-poll requests.
//
// Both variants implement Connector and report through a Handler:
//
//	OnOpen -> OnMessage* -> [OnError] -> OnClose
//
// Connect never returns an error. Dial failures, broken reads and
// unexpected poll statuses arrive as OnError followed by OnClose with
// CloseAbnormal. Disconnect is idempotent and produces exactly one OnClose
// carrying the requested code. Each event carries its connector so a caller
// juggling two connectors during a handover can tell them apart and ignore
// stale ones.
//
// Long polling maps HTTP statuses onto the same vocabulary: 200 is a frame,
// 304 repeats the request, 400 closes with CloseWrongChannelID and anything
// else closes with CloseAbnormal. Its Send posts to the publish URL and
// feeds the response body back as a frame.
package transport
