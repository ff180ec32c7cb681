package rte

import (
	"fmt"
	"strings"
)

// Version is the SCORM runtime API generation, fixed at discovery.
type Version string

const (
	Version12   Version = "1.2"
	Version2004 Version = "2004"
)

const (
	global12   = "API"
	global2004 = "API_1484_11"
)

// ParseVersion accepts "1.2" and "2004" (and the common "scorm_" prefixed forms).
func ParseVersion(raw string) (Version, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.TrimPrefix(normalized, "scorm")
	normalized = strings.TrimLeft(normalized, "_- ")
	switch {
	case normalized == "1.2" || normalized == "12":
		return Version12, nil
	case normalized == "2004" || strings.HasPrefix(normalized, "2004"):
		return Version2004, nil
	default:
		return "", fmt.Errorf("unsupported scorm version %q", raw)
	}
}

// Global returns the well-known window property holding the API object.
func (v Version) Global() string {
	if v == Version12 {
		return global12
	}
	return global2004
}

// Method returns the version-specific method name for op.
func (v Version) Method(op Op) string {
	if v != Version12 {
		return string(op)
	}
	if op == OpTerminate {
		return "LMSFinish"
	}
	return "LMS" + string(op)
}

// Op is a version-independent RTE operation. Its string form is the wire action.
type Op string

const (
	OpInitialize     Op = "Initialize"
	OpTerminate      Op = "Terminate"
	OpGetValue       Op = "GetValue"
	OpSetValue       Op = "SetValue"
	OpCommit         Op = "Commit"
	OpGetLastError   Op = "GetLastError"
	OpGetErrorString Op = "GetErrorString"
)

var ops = []Op{OpInitialize, OpTerminate, OpGetValue, OpSetValue, OpCommit, OpGetLastError, OpGetErrorString}

// Ops lists every RTE operation in wire order.
func Ops() []Op {
	return append([]Op(nil), ops...)
}

// ParseOp maps either a SCORM 2004 or a SCORM 1.2 method name to its Op.
func ParseOp(action string) (Op, bool) {
	action = strings.TrimSpace(action)
	if action == "LMSFinish" {
		return OpTerminate, true
	}
	action = strings.TrimPrefix(action, "LMS")
	for _, op := range ops {
		if string(op) == action {
			return op, true
		}
	}
	return "", false
}

// Sentinel is the value a caller sees when op cannot complete.
func (op Op) Sentinel() string {
	switch op {
	case OpGetValue, OpGetErrorString:
		return ""
	case OpGetLastError:
		return ErrorGeneral
	default:
		return "false"
	}
}

// SCORM error codes shared by both generations.
const (
	ErrorNone           = "0"
	ErrorGeneral        = "101"
	ErrorTerminated     = "104"
	ErrorNotInitialized = "301"
	ErrorNotImplemented = "401"
	ErrorReadOnly       = "403"
	ErrorWriteFailed    = "405"
)
