package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cordum/ragops/core/events"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Events travel the bus as protobuf Struct messages so that consumers in
// other languages can decode them without generated code.

func encodeEvent(ev events.Event) ([]byte, error) {
	payload, err := normalizePayload(ev.Payload)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{
		"seq":         float64(ev.Seq),
		"id":          ev.ID,
		"type":        string(ev.Type),
		"time":        ev.Time.UTC().Format(time.RFC3339Nano),
		"jobId":       ev.JobID,
		"ingestionId": ev.IngestionID,
		"origin":      ev.Origin,
	}
	if payload != nil {
		fields["payload"] = payload
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return proto.Marshal(msg)
}

func decodeEvent(data []byte) (events.Event, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return events.Event{}, fmt.Errorf("decode event: %w", err)
	}
	f := msg.GetFields()
	ev := events.Event{
		Seq:         uint64(f["seq"].GetNumberValue()),
		ID:          f["id"].GetStringValue(),
		Type:        events.Type(f["type"].GetStringValue()),
		JobID:       f["jobId"].GetStringValue(),
		IngestionID: f["ingestionId"].GetStringValue(),
		Origin:      f["origin"].GetStringValue(),
	}
	if ev.Type == "" {
		return events.Event{}, fmt.Errorf("decode event: missing type")
	}
	if raw := f["time"].GetStringValue(); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return events.Event{}, fmt.Errorf("decode event time: %w", err)
		}
		ev.Time = ts
	}
	if p := f["payload"].GetStructValue(); p != nil {
		ev.Payload = p.AsMap()
	}
	return ev, nil
}

// normalizePayload round-trips through JSON so every value is one structpb accepts.
func normalizePayload(p map[string]any) (map[string]any, error) {
	if len(p) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}
