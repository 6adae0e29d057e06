package metrics

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// JSONLObserver appends one JSON object per event to a writer, typically the
// per-run artifacts file. Tags and fields are flattened into the top-level
// object next to name, time, and value.
type JSONLObserver struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{enc: json.NewEncoder(w)}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	rec := make(map[string]any, 3+len(ev.Tags)+len(ev.Fields))
	rec["name"] = ev.Name
	rec["time"] = ev.Time.Format(time.RFC3339Nano)
	rec["value"] = ev.Value
	for k, v := range ev.Tags {
		rec[k] = v
	}
	for k, v := range ev.Fields {
		rec[k] = v
	}
	o.mu.Lock()
	_ = o.enc.Encode(rec)
	o.mu.Unlock()
}
