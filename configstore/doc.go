// Package configstore owns the server-issued pull configuration and the
// session cursor.
//
// Config comes from the REST method pull.config.get and is cached in a
// storage.Store until its ExpiresAt, so a restarted process can connect
// without a round trip. Load prefers a fresh cached copy; LoadRemote always
// asks the server. A config is stale once ExpiresAt has passed or after
// the server announced its expiry (Invalidated).
//
// Capabilities flattens the server description into the immutable feature
// set the client uses to pick a transport and a frame format:
//
//	version >= 5  JSON-RPC over text frames
//	version == 4  binary (CBOR) frames
//	otherwise     plain delimited JSON frames
//
// The store also keeps the Session cursor and a time-limited "websocket
// blocked" flag, set when the host network repeatedly refuses sockets.
package configstore
