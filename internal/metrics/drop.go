package metrics

import "cryptotrack/logger"

// DropReason names why a message or update was discarded.
type DropReason string

const (
	DropMalformed     DropReason = "malformed"
	DropUnknownSymbol DropReason = "unknown_symbol"
	DropStaleVenue    DropReason = "venue_disconnected"
	DropPublishFull   DropReason = "publish_buffer_full"
)

// EmitDropMetric counts one dropped message for venue.
func EmitDropMetric(log *logger.Log, reason DropReason, venue, symbol string) {
	Init()
	dropped.WithLabelValues(venue, string(reason)).Inc()

	fields := logger.Fields{"venue": venue, "reason": string(reason)}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	Record(log, "drops", "messages_dropped", 1, "counter", fields)
}
