// Package rpc defines the symbolic, transport-neutral wire surface: the
// client-facing request/response/event shapes, the service interfaces a
// transport would bind, and the error-model mapping from the firmware's
// internal taxonomy (internal/errs) onto gRPC status codes. The framed
// transport itself lives outside this module; this package is the
// contract it marshals.
package rpc

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ariafirmware/aria/internal/errs"
)

// CodeFor maps a FirmwareError Kind to its wire status code.
func CodeFor(kind errs.Kind) codes.Code {
	switch kind {
	case errs.KindValidation, errs.KindPlanning:
		return codes.InvalidArgument
	case errs.KindTimeout:
		return codes.DeadlineExceeded
	case errs.KindDependency:
		return codes.Unavailable
	case errs.KindToolExec, errs.KindContainer, errs.KindReasoning, errs.KindReflection:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// ErrorPayload is the structured payload carried alongside the status
// code on every wire error.
type ErrorPayload struct {
	Code            codes.Code
	Category        errs.Category
	Severity        errs.Severity
	UserGuidance    string
	RecoveryActions []string
	CorrelationID   string
}

// ToStatus renders a FirmwareError as a *status.Status plus its
// ErrorPayload, the shape a transport layer would serialize into its
// framed error response.
func ToStatus(fe *errs.FirmwareError) (*status.Status, ErrorPayload) {
	code := CodeFor(fe.Kind)
	st := status.New(code, fe.Error())
	payload := ErrorPayload{
		Code:            code,
		Category:        fe.Category,
		Severity:        fe.Severity,
		UserGuidance:    fe.UserGuidance,
		RecoveryActions: fe.RecoveryActions,
		CorrelationID:   fe.CorrelationID,
	}
	return st, payload
}

// StructOf converts a dynamic result/parameter map into a protobuf Struct,
// the representation the wire messages use for the firmware's
// untyped JSON-ish payloads (execution step inputs/results, tool
// arguments). Returns nil if m is empty so callers don't need to special
// case "no payload" on the wire.
func StructOf(m map[string]any) (*structpb.Struct, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return structpb.NewStruct(m)
}

// MapOf is StructOf's inverse, used when decoding an incoming wire
// message's dynamic payload back into the maps the rest of the firmware
// operates on.
func MapOf(s *structpb.Struct) map[string]any {
	if s == nil {
		return nil
	}
	return s.AsMap()
}
