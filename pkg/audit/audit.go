// Package audit implements AuditPackage binding: tying a decision bundle's
// canonical digest to a router-execution bundle's canonical digest into one
// binding_digest that downstream attestation can witness on-ledger —
// component C5.
package audit

import (
	"fmt"

	"github.com/nexusctl/core/pkg/bundle"
	"github.com/nexusctl/core/pkg/canonical"
	"github.com/nexusctl/core/pkg/nexuserr"
)

// Version is the audit package wire-format version.
const Version = "0.5"

// Router modes accepted by Export.
const (
	ModeReference = "reference"
	ModeEmbedded  = "embedded"
)

// RouterRef is the router-side pointer used in reference mode: the caller
// vouches for a router bundle's digest without embedding it.
type RouterRef struct {
	RunID  string `json:"run_id"`
	Digest string `json:"digest"`
}

// RouterSection is the router half of an AuditPackage, in whichever of the
// two modes Export was called with.
type RouterSection struct {
	Mode   string                 `json:"mode"`
	Ref    *RouterRef             `json:"ref,omitempty"`
	Bundle map[string]interface{} `json:"bundle,omitempty"`
}

// Binding is the triple that binding_digest is computed over.
type Binding struct {
	ControlDigest           string `json:"control_digest"`
	RouterDigest            string `json:"router_digest"`
	ControlRouterLinkDigest string `json:"control_router_link_digest"`
}

// Integrity carries the package's self-describing digest, in the
// "sha256:"-prefixed form used across every witnessed artifact.
type Integrity struct {
	Alg           string `json:"alg"`
	BindingDigest string `json:"binding_digest"`
}

// AuditPackage is the full wire-format document.
type AuditPackage struct {
	PackageVersion string                 `json:"package_version"`
	ControlBundle  *bundle.DecisionBundle `json:"control_bundle"`
	Router         RouterSection          `json:"router"`
	Binding        Binding                `json:"binding"`
	Integrity      Integrity              `json:"integrity"`
	Provenance     bundle.Provenance      `json:"provenance"`
	Meta           bundle.Meta            `json:"meta"`
}

// ExportOptions controls how Export resolves the router side of the binding.
type ExportOptions struct {
	// Mode is ModeReference or ModeEmbedded.
	Mode string
	// RouterBundleDigest is the caller-supplied digest used in reference
	// mode. If empty, router_link.router_result_digest is used instead.
	RouterBundleDigest string
	// RouterBundle is the full router bundle document, required in embedded
	// mode.
	RouterBundle map[string]interface{}
	// SkipRouterDigestVerify disables the embedded-mode cross-check between
	// router_bundle.integrity.canonical_digest and
	// router_link.router_result_digest. Verification runs by default.
	SkipRouterDigestVerify bool
}

// Export binds controlBundle to a router execution into an AuditPackage
//. controlBundle must already carry a RouterLink (i.e. the
// decision it was exported from dispatched an execution) or this fails with
// NO_ROUTER_LINK.
func Export(controlBundle *bundle.DecisionBundle, opts ExportOptions) (*AuditPackage, error) {
	if controlBundle.RouterLink == nil || controlBundle.RouterLink.RunID == "" {
		return nil, nexuserr.New(nexuserr.CodeNoRouterLink, "control bundle has no router_link.run_id")
	}

	var router RouterSection
	var routerDigest string

	switch opts.Mode {
	case ModeReference:
		routerDigest = opts.RouterBundleDigest
		if routerDigest == "" {
			routerDigest = controlBundle.RouterLink.RouterResultDigest
		}
		router = RouterSection{
			Mode: ModeReference,
			Ref:  &RouterRef{RunID: controlBundle.RouterLink.RunID, Digest: routerDigest},
		}
	case ModeEmbedded:
		if opts.RouterBundle == nil {
			return nil, nexuserr.New(nexuserr.CodeBundleInvalidSchema, "embedded mode requires router_bundle")
		}
		embeddedDigest, err := extractEmbeddedDigest(opts.RouterBundle)
		if err != nil {
			return nil, err
		}
		if !opts.SkipRouterDigestVerify && embeddedDigest != controlBundle.RouterLink.RouterResultDigest {
			return nil, nexuserr.New(nexuserr.CodeRouterDigestMismatch, "embedded router bundle digest does not match router_link.router_result_digest").
				WithContext("expected", controlBundle.RouterLink.RouterResultDigest).
				WithContext("actual", embeddedDigest)
		}
		routerDigest = embeddedDigest
		router = RouterSection{Mode: ModeEmbedded, Bundle: opts.RouterBundle}
	default:
		return nil, nexuserr.Newf(nexuserr.CodeBundleInvalidSchema, "unknown router mode %q", opts.Mode)
	}

	binding := Binding{
		ControlDigest:           controlBundle.Integrity.CanonicalDigest,
		RouterDigest:            routerDigest,
		ControlRouterLinkDigest: controlBundle.RouterLink.ControlRouterLinkDigest,
	}

	bindingDigest, err := computeBindingDigest(binding)
	if err != nil {
		return nil, fmt.Errorf("audit: compute binding digest: %w", err)
	}

	pkg := &AuditPackage{
		PackageVersion: Version,
		ControlBundle:  controlBundle,
		Router:         router,
		Binding:        binding,
		Integrity:      Integrity{Alg: "sha256", BindingDigest: "sha256:" + bindingDigest},
		Provenance: bundle.Provenance{Records: []bundle.ProvenanceRecord{{
			ProvID:   "prov_" + bindingDigest[:12],
			MethodID: "audit_export",
			Inputs:   map[string]interface{}{"decision_id": controlBundle.Decision.DecisionID},
			Outputs:  map[string]interface{}{"binding_digest": "sha256:" + bindingDigest},
		}}},
	}
	return pkg, nil
}

// extractEmbeddedDigest reads router_bundle.integrity.canonical_digest out of
// the embedded bundle's raw map form.
func extractEmbeddedDigest(routerBundle map[string]interface{}) (string, error) {
	integrity, ok := routerBundle["integrity"].(map[string]interface{})
	if !ok {
		return "", nexuserr.New(nexuserr.CodeBundleInvalidSchema, "embedded router bundle missing integrity section")
	}
	digest, ok := integrity["canonical_digest"].(string)
	if !ok || digest == "" {
		return "", nexuserr.New(nexuserr.CodeBundleInvalidSchema, "embedded router bundle missing integrity.canonical_digest")
	}
	return digest, nil
}

// recomputeEmbeddedBundleDigest recomputes a router bundle's own canonical
// digest from its content, the way bundle.VerifyDigest does for a
// DecisionBundle — but here the router bundle is an opaque map, since this
// module has no typed notion of a router bundle's schema. It excludes
// integrity/provenance/meta the same way DecisionBundle's canonical payload
// does, on the assumption that any conformant router bundle follows the same
// convention.
func recomputeEmbeddedBundleDigest(routerBundle map[string]interface{}) (string, error) {
	payload := make(map[string]interface{}, len(routerBundle))
	for k, v := range routerBundle {
		switch k {
		case "integrity", "provenance", "meta":
			continue
		default:
			payload[k] = v
		}
	}
	return canonical.ContentDigest(payload)
}

func computeBindingDigest(b Binding) (string, error) {
	return canonical.ContentDigest(map[string]interface{}{
		"package_version":            Version,
		"control_digest":             b.ControlDigest,
		"router_digest":              b.RouterDigest,
		"control_router_link_digest": b.ControlRouterLinkDigest,
	})
}

// CheckResult is one entry of verify_audit_package's fixed checklist.
type CheckResult struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// VerifyResult is the aggregate result of Verify.
type VerifyResult struct {
	OK     bool          `json:"ok"`
	Checks []CheckResult `json:"checks"`
}

// Verify runs every check in the fixed verify_audit_package checklist. Every
// check always runs regardless of earlier failures; the aggregate OK is the
// AND of all of them.
func Verify(pkg *AuditPackage) *VerifyResult {
	checks := make([]CheckResult, 0, 6)

	// 1. binding_digest: recompute from package fields, compare to
	// integrity.binding_digest.
	recomputedBinding, err := computeBindingDigest(pkg.Binding)
	expectedBindingDigest := "sha256:" + recomputedBinding
	if err != nil {
		checks = append(checks, CheckResult{Name: "binding_digest", OK: false, Reason: err.Error()})
	} else {
		checks = append(checks, CheckResult{
			Name:     "binding_digest",
			OK:       expectedBindingDigest == pkg.Integrity.BindingDigest,
			Expected: expectedBindingDigest,
			Actual:   pkg.Integrity.BindingDigest,
		})
	}

	// 2. control_bundle_digest: recompute control bundle's own canonical
	// digest, compare.
	controlOK, controlDigest, err := bundle.VerifyDigest(pkg.ControlBundle)
	if err != nil {
		checks = append(checks, CheckResult{Name: "control_bundle_digest", OK: false, Reason: err.Error()})
	} else {
		checks = append(checks, CheckResult{
			Name:     "control_bundle_digest",
			OK:       controlOK,
			Expected: controlDigest,
			Actual:   pkg.ControlBundle.Integrity.CanonicalDigest,
		})
	}

	// 3. binding_control_match: binding.control_digest ==
	// control_bundle.integrity.canonical_digest.
	checks = append(checks, CheckResult{
		Name:     "binding_control_match",
		OK:       pkg.Binding.ControlDigest == pkg.ControlBundle.Integrity.CanonicalDigest,
		Expected: pkg.ControlBundle.Integrity.CanonicalDigest,
		Actual:   pkg.Binding.ControlDigest,
	})

	// 4. binding_router_match: reference mode compares against router.ref's
	// own digest; embedded mode compares against the digest the embedded
	// bundle claims in its integrity.canonical_digest (check 6 recomputes it).
	switch pkg.Router.Mode {
	case ModeReference:
		expected := ""
		if pkg.Router.Ref != nil {
			expected = pkg.Router.Ref.Digest
		}
		checks = append(checks, CheckResult{
			Name:     "binding_router_match",
			OK:       pkg.Binding.RouterDigest == expected,
			Expected: expected,
			Actual:   pkg.Binding.RouterDigest,
		})
	case ModeEmbedded:
		embeddedDigest, err := extractEmbeddedDigest(pkg.Router.Bundle)
		if err != nil {
			checks = append(checks, CheckResult{Name: "binding_router_match", OK: false, Reason: err.Error()})
		} else {
			checks = append(checks, CheckResult{
				Name:     "binding_router_match",
				OK:       pkg.Binding.RouterDigest == embeddedDigest,
				Expected: embeddedDigest,
				Actual:   pkg.Binding.RouterDigest,
			})
		}
	default:
		checks = append(checks, CheckResult{Name: "binding_router_match", OK: false, Reason: fmt.Sprintf("unknown router mode %q", pkg.Router.Mode)})
	}

	// 5. binding_link_match: binding.control_router_link_digest ==
	// control_bundle.router_link.control_router_link_digest.
	linkExpected := ""
	if pkg.ControlBundle.RouterLink != nil {
		linkExpected = pkg.ControlBundle.RouterLink.ControlRouterLinkDigest
	}
	checks = append(checks, CheckResult{
		Name:     "binding_link_match",
		OK:       pkg.Binding.ControlRouterLinkDigest == linkExpected,
		Expected: linkExpected,
		Actual:   pkg.Binding.ControlRouterLinkDigest,
	})

	// 6. Embedded only: recompute the router bundle's own digest from its
	// embedded content and compare to what it claims for itself.
	if pkg.Router.Mode == ModeEmbedded {
		recomputed, err := recomputeEmbeddedBundleDigest(pkg.Router.Bundle)
		if err != nil {
			checks = append(checks, CheckResult{Name: "router_bundle_digest", OK: false, Reason: err.Error()})
		} else {
			claimed, _ := extractEmbeddedDigest(pkg.Router.Bundle)
			checks = append(checks, CheckResult{
				Name:     "router_bundle_digest",
				OK:       recomputed == claimed,
				Expected: claimed,
				Actual:   recomputed,
			})
		}
	}

	ok := true
	for _, c := range checks {
		if !c.OK {
			ok = false
			break
		}
	}
	return &VerifyResult{OK: ok, Checks: checks}
}
