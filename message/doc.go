// Package message is the pull client codec: it turns wire frames into
// ordered Event records and builds outbound publish payloads.
//
// # Wire Shapes
//
// Binary frames are CBOR with integer keys: a ResponseBatch of
// IncomingMessages, each carrying a 16-byte id, a sender, a JSON body and
// optional expiry/creation times.
//
// Plain frames concatenate JSON parts between StartDelimiter and
// EndDelimiter:
//
//	#!NGINXNMS!#{"mid":"...","tag":"...","time":"...","text":{...}}#!NGINXNME!#
//
// JSON-RPC servers deliver the same records as the params of the
// incoming.message command, decoded by DecodeRPCMessages.
//
// Every record's body is the envelope
//
//	{"module_id": "...", "command": "...", "params": {...}, "extra": {...}}
//
// where extra may carry sender, server_time_unix and revision_web.
//
// # Totality
//
// Decoding never fails as a whole. A malformed message is logged and
// skipped; the decode functions return the surviving events in order and
// the number skipped.
//
// # Message Ids
//
// EncodeID and DecodeID convert between the 16-byte compact id and its
// 32-character lowercase hex text. The hex form is the dedup key and the
// session cursor.
package message
