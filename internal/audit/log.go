// Package audit emits append-only audit records for lifecycle and
// authorization decisions. Records go to the shared structured log, one
// JSON object per line, tagged type=audit so a collector can split them
// from request logs.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"haccare.org/internal/auth"
	"haccare.org/internal/obs"
)

type requestIDKey struct{}

// Reserved entry keys. Caller fields colliding with these are dropped so
// an event cannot spoof its own principal or timestamp.
var reservedKeys = map[string]struct{}{
	"ts": {}, "type": {}, "event": {}, "request_id": {}, "principal_id": {}, "principal_name": {},
}

// WithRequestID attaches the request identifier so every audit record in
// this request can be correlated with its request log line.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// LogEvent writes one audit record. Event names follow the
// "area.subject.verb" convention (sim.session.launch, auth.token.issued).
// The principal and request id are taken from ctx, never from fields.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("audit: event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid, ok := ctx.Value(requestIDKey{}).(string); ok && rid != "" {
		entry["request_id"] = rid
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		entry["principal_id"] = p.ID
		if p.Name != "" {
			entry["principal_name"] = p.Name
		}
	}
	for k, v := range fields {
		if _, taken := reservedKeys[k]; taken {
			continue
		}
		entry[k] = v
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
