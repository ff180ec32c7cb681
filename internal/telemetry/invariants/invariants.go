// Package invariants records bridge invariant violations as span events and
// keeps a process-wide count per invariant for health reporting.
package invariants

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// OriginTrusted: inbound cross-context messages come from an allow-listed origin.
	OriginTrusted = "origin_trusted"
	// SingleResolution: a pending proxy call resolves at most once.
	SingleResolution = "single_resolution"
	// PendingRejectedOnClose: teardown leaves no unresolved proxy call.
	PendingRejectedOnClose = "pending_rejected_on_close"
	// StateTransitionLegal: launch and binding lifecycles follow their state machines.
	StateTransitionLegal = "state_transition_legal"
)

// Severity grades a violation.
type Severity string

const (
	// SeverityWarn marks violations the bridge recovers from by dropping input.
	SeverityWarn Severity = "warn"
	// SeverityError marks violations that leave state inconsistent.
	SeverityError Severity = "error"
)

const eventName = "invariant.violation"

var (
	enabled atomic.Bool

	countsMu sync.Mutex
	counts   = map[string]uint64{}
)

func init() {
	enabled.Store(true)
}

// Violation describes one broken invariant.
type Violation struct {
	Invariant string
	Severity  Severity
	Where     string
	Reason    string
	Context   map[string]string
}

// SetEnabled turns recording on or off process-wide.
func SetEnabled(on bool) {
	enabled.Store(on)
}

// Enabled reports whether violations are recorded.
func Enabled() bool {
	return enabled.Load()
}

// Counts returns a copy of the per-invariant violation counters.
func Counts() map[string]uint64 {
	countsMu.Lock()
	defer countsMu.Unlock()
	out := make(map[string]uint64, len(counts))
	for name, n := range counts {
		out[name] = n
	}
	return out
}

// Reset clears the counters.
func Reset() {
	countsMu.Lock()
	defer countsMu.Unlock()
	counts = map[string]uint64{}
}

// Record counts v and adds an invariant.violation event to the span in ctx,
// or to a short span of its own when ctx has none.
func Record(ctx context.Context, v Violation) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	name := strings.TrimSpace(v.Invariant)
	if name == "" {
		name = "unknown"
	}
	if v.Severity != SeverityWarn {
		v.Severity = SeverityError
	}

	countsMu.Lock()
	counts[name]++
	countsMu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.String("invariant.name", name),
		attribute.String("invariant.severity", string(v.Severity)),
		attribute.String("invariant.where", strings.TrimSpace(v.Where)),
		attribute.String("invariant.reason", strings.TrimSpace(v.Reason)),
	}
	keys := make([]string, 0, len(v.Context))
	for key := range v.Context {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if value := strings.TrimSpace(v.Context[key]); value != "" {
			attrs = append(attrs, attribute.String("invariant.context."+key, value))
		}
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.AddEvent(eventName, trace.WithAttributes(attrs...))
		return
	}
	_, span := otel.Tracer("scormbridge/invariants").Start(ctx, eventName)
	span.AddEvent(eventName, trace.WithAttributes(attrs...))
	span.End()
}

// CheckOriginTrusted records a dropped message from an untrusted origin.
func CheckOriginTrusted(ctx context.Context, where, origin string, trusted bool) bool {
	if trusted {
		return true
	}
	Record(ctx, Violation{
		Invariant: OriginTrusted,
		Severity:  SeverityWarn,
		Where:     where,
		Reason:    fmt.Sprintf("message from untrusted origin %q dropped", origin),
		Context:   map[string]string{"origin": origin},
	})
	return false
}

// CheckSingleResolution records a response for an unknown or settled message id.
func CheckSingleResolution(ctx context.Context, where, messageID string, pending bool) bool {
	if pending {
		return true
	}
	Record(ctx, Violation{
		Invariant: SingleResolution,
		Severity:  SeverityWarn,
		Where:     where,
		Reason:    "response for unknown or already resolved message id",
		Context:   map[string]string{"message_id": messageID},
	})
	return false
}

// CheckPendingRejectedOnClose records calls left pending after teardown.
func CheckPendingRejectedOnClose(ctx context.Context, where string, remaining int) bool {
	if remaining == 0 {
		return true
	}
	Record(ctx, Violation{
		Invariant: PendingRejectedOnClose,
		Severity:  SeverityError,
		Where:     where,
		Reason:    fmt.Sprintf("%d pending calls left after close", remaining),
		Context:   map[string]string{"remaining": strconv.Itoa(remaining)},
	})
	return false
}

// CheckStateTransitionLegal records an illegal lifecycle transition.
func CheckStateTransitionLegal(ctx context.Context, where, entityType, from, to string, legal bool) bool {
	if legal {
		return true
	}
	Record(ctx, Violation{
		Invariant: StateTransitionLegal,
		Severity:  SeverityError,
		Where:     where,
		Reason:    fmt.Sprintf("illegal %s transition %s -> %s", entityType, from, to),
		Context:   map[string]string{"entity_type": entityType, "from_state": from, "to_state": to},
	})
	return false
}
