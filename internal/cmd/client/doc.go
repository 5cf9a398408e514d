// Package client provides the `flowstream` command-line commands.
//
// The commands embed the engine: each invocation opens the runtime on the
// configured data directory, runs one operation and closes it. Stop the
// server before using them against its data directory.
//
// Usage
//
//	flowstream stream create --stream orders --ttl 24h --partition-duration 1h
//	flowstream stream write --stream orders --header user=alice '{"id":1}' '{"id":2}'
//	flowstream stream info --stream orders
//
//	# Declare or reshape a consumer group (consumers must be stopped)
//	flowstream group configure --stream orders --group billing --instances 3 --strategy hash --hash-key user
//	flowstream group sync --stream orders billing=2 audit=1
//
//	# Dequeue one batch as instance 0 of billing and commit it
//	flowstream consume --stream orders --group billing --instance 0 --max 10
//	flowstream consume --stream orders --group audit --follow --timeout 5s
//	flowstream consume --stream orders --group audit --filter 'headers["user"] == "alice"'
//
//	# Append to the pre-file log of a stream
//	flowstream legacy write --stream orders 'old event'
//
// Events are printed as JSON lines with the offset, timestamp, headers and one
// of payload_json, payload_text or payload_b64.
package client
