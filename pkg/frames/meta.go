package frames

// Metadata keys shared across pipeline stages.
const (
	MetaStreamID      = "stream_id"
	MetaCallSID       = "call_sid"
	MetaSessionID     = "session_id"
	MetaTraceID       = "trace_id"
	MetaSource        = "source"
	MetaReason        = "reason"
	MetaEncoding      = "encoding"
	MetaFromNumber    = "from_number"
	MetaTruncated     = "truncated"
	MetaCallEndReason = "call_end_reason"
)
