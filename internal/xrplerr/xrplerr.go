// Package xrplerr classifies XRPL engine results and transport failures into
// this module's stable error codes. It has no dependency on any
// particular XRPL client library — it works on the plain strings every XRPL
// client returns as `engine_result`.
package xrplerr

import (
	"context"
	"errors"
	"strings"

	"github.com/nexusctl/core/pkg/nexuserr"
)

// rejectedPrefixes are the XRPL engine-result classes meaning the network
// itself refused the transaction (malformed, failed local checks, claimed a
// fee but failed, or retriable-but-currently-unsatisfiable).
var rejectedPrefixes = []string{"tem", "tef", "tec", "ter"}

// ClassifyEngineResult maps an XRPL engine result code to a stable error
// code. tesSUCCESS should never reach this function, since it means the
// submission was accepted rather than rejected; if it does, that is itself
// unclassifiable and reported as UNKNOWN, same as any other unrecognized
// prefix.
func ClassifyEngineResult(engineResult string) nexuserr.Code {
	for _, prefix := range rejectedPrefixes {
		if strings.HasPrefix(engineResult, prefix) {
			return nexuserr.CodeRejected
		}
	}
	return nexuserr.CodeUnknown
}

// ClassifyTransportError maps an error returned by an XRPL client or signer
// call to BACKEND_UNAVAILABLE, or TIMEOUT when a context deadline was the
// cause.
func ClassifyTransportError(err error) nexuserr.Code {
	if errors.Is(err, context.DeadlineExceeded) {
		return nexuserr.CodeTimeout
	}
	return nexuserr.CodeBackendUnavailable
}
