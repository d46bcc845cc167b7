package base

import (
	"fmt"
	"strings"
)

const (
	DlmsVersion = 0x06
)

type Authentication byte

const (
	AuthenticationNone       Authentication = 0 // No authentication is used.
	AuthenticationLow        Authentication = 1 // Low authentication, password in AARQ.
	AuthenticationHigh       Authentication = 2 // Manufacturer specific high authentication.
	AuthenticationHighMD5    Authentication = 3 // HLS, f() is MD5.
	AuthenticationHighSHA1   Authentication = 4 // HLS, f() is SHA1.
	AuthenticationHighGmac   Authentication = 5 // HLS, f() is GMAC.
	AuthenticationHighSha256 Authentication = 6 // HLS, f() is SHA-256.
)

func (a Authentication) String() string {
	switch a {
	case AuthenticationNone:
		return "none"
	case AuthenticationLow:
		return "low"
	case AuthenticationHigh:
		return "high"
	case AuthenticationHighMD5:
		return "md5"
	case AuthenticationHighSHA1:
		return "sha1"
	case AuthenticationHighGmac:
		return "gmac"
	case AuthenticationHighSha256:
		return "sha256"
	}
	return fmt.Sprintf("authentication(%d)", byte(a))
}

// IsHigh reports whether the mechanism needs the reply_to_HLS round trip.
func (a Authentication) IsHigh() bool {
	return a >= AuthenticationHigh
}

func ParseAuthentication(s string) (Authentication, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return AuthenticationNone, nil
	case "low", "lls":
		return AuthenticationLow, nil
	case "md5":
		return AuthenticationHighMD5, nil
	case "sha1":
		return AuthenticationHighSHA1, nil
	case "gmac":
		return AuthenticationHighGmac, nil
	case "sha256":
		return AuthenticationHighSha256, nil
	}
	return AuthenticationNone, fmt.Errorf("unsupported authentication mechanism %q", s)
}

type AssociationResult byte

const (
	AssociationResultAccepted          AssociationResult = 0
	AssociationResultPermanentRejected AssociationResult = 1
	AssociationResultTransientRejected AssociationResult = 2
)

func (a AssociationResult) String() string {
	switch a {
	case AssociationResultAccepted:
		return "accepted"
	case AssociationResultPermanentRejected:
		return "rejected-permanent"
	case AssociationResultTransientRejected:
		return "rejected-transient"
	}
	return fmt.Sprintf("association-result(%d)", byte(a))
}

type SourceDiagnostic byte

const (
	SourceDiagnosticNone                                     SourceDiagnostic = 0
	SourceDiagnosticNoReasonGiven                            SourceDiagnostic = 1
	SourceDiagnosticApplicationContextNameNotSupported       SourceDiagnostic = 2
	SourceDiagnosticAuthenticationMechanismNameNotRecognized SourceDiagnostic = 11
	SourceDiagnosticAuthenticationMechanismNameRequired      SourceDiagnostic = 12
	SourceDiagnosticAuthenticationFailure                    SourceDiagnostic = 13
	SourceDiagnosticAuthenticationRequired                   SourceDiagnostic = 14
)

func (s SourceDiagnostic) String() string {
	switch s {
	case SourceDiagnosticNone:
		return "null"
	case SourceDiagnosticNoReasonGiven:
		return "no-reason-given"
	case SourceDiagnosticApplicationContextNameNotSupported:
		return "application-context-name-not-supported"
	case SourceDiagnosticAuthenticationMechanismNameNotRecognized:
		return "authentication-mechanism-name-not-recognised"
	case SourceDiagnosticAuthenticationMechanismNameRequired:
		return "authentication-mechanism-name-required"
	case SourceDiagnosticAuthenticationFailure:
		return "authentication-failure"
	case SourceDiagnosticAuthenticationRequired:
		return "authentication-required"
	}
	return fmt.Sprintf("source-diagnostic(%d)", byte(s))
}

type ApplicationContext byte

const (
	ApplicationContextLNNoCiphering ApplicationContext = 1
	ApplicationContextSNNoCiphering ApplicationContext = 2
)

const (
	PduTypeProtocolVersion            = 0
	PduTypeApplicationContextName     = 1
	PduTypeCalledAPTitle              = 2
	PduTypeCalledAEQualifier          = 3
	PduTypeCalledAPInvocationID       = 4
	PduTypeCalledAEInvocationID       = 5
	PduTypeCallingAPTitle             = 6
	PduTypeCallingAEQualifier         = 7
	PduTypeCallingAPInvocationID      = 8
	PduTypeCallingAEInvocationID      = 9
	PduTypeSenderAcseRequirements     = 10
	PduTypeMechanismName              = 11
	PduTypeCallingAuthenticationValue = 12
	PduTypeImplementationInformation  = 29
	PduTypeUserInformation            = 30
)

const (
	BERTypeContext     = 0x80
	BERTypeApplication = 0x40
	BERTypeConstructed = 0x20
)

// Conformance block
const (
	ConformanceBlockGeneralProtection          = 0b010000000000000000000000
	ConformanceBlockGeneralBlockTransfer       = 0b001000000000000000000000
	ConformanceBlockAttribute0SupportedWithSet = 0b000000001000000000000000
	ConformanceBlockPriorityMgmtSupported      = 0b000000000100000000000000
	ConformanceBlockAttribute0SupportedWithGet = 0b000000000010000000000000
	ConformanceBlockBlockTransferWithGetOrRead = 0b000000000001000000000000

	ConformanceBlockBlockTransferWithSetOrWrite = 0b000000000000100000000000
	ConformanceBlockBlockTransferWithAction     = 0b000000000000010000000000
	ConformanceBlockMultipleReferences          = 0b000000000000001000000000

	ConformanceBlockGet             = 0b000000000000000000010000
	ConformanceBlockSet             = 0b000000000000000000001000
	ConformanceBlockSelectiveAccess = 0b000000000000000000000100
	ConformanceBlockAction          = 0b000000000000000000000001
)

type CosemTag byte

const (
	TagInitiateRequest       CosemTag = 1
	TagInitiateResponse      CosemTag = 8
	TagConfirmedServiceError CosemTag = 14
	TagAARQ                  CosemTag = 96
	TagAARE                  CosemTag = 97
	TagRLRQ                  CosemTag = 98
	TagRLRE                  CosemTag = 99
	TagGetRequest            CosemTag = 192
	TagSetRequest            CosemTag = 193
	TagActionRequest         CosemTag = 195
	TagGetResponse           CosemTag = 196
	TagSetResponse           CosemTag = 197
	TagActionResponse        CosemTag = 199
	TagExceptionResponse     CosemTag = 216
)

type DlmsResultTag byte

const (
	// DataAccessResult
	TagResultSuccess                 DlmsResultTag = 0
	TagResultHardwareFault           DlmsResultTag = 1
	TagResultTemporaryFailure        DlmsResultTag = 2
	TagResultReadWriteDenied         DlmsResultTag = 3
	TagResultObjectUndefined         DlmsResultTag = 4
	TagResultObjectClassInconsistent DlmsResultTag = 9
	TagResultObjectUnavailable       DlmsResultTag = 11
	TagResultTypeUnmatched           DlmsResultTag = 12
	TagResultScopeAccessViolated     DlmsResultTag = 13
	TagResultDataBlockUnavailable    DlmsResultTag = 14
	TagResultLongGetAborted          DlmsResultTag = 15
	TagResultNoLongGetInProgress     DlmsResultTag = 16
	TagResultLongSetAborted          DlmsResultTag = 17
	TagResultNoLongSetInProgress     DlmsResultTag = 18
	TagResultDataBlockNumberInvalid  DlmsResultTag = 19
	TagResultOtherReason             DlmsResultTag = 250
)

func (s DlmsResultTag) String() string {
	switch s {
	case TagResultSuccess:
		return "success"
	case TagResultHardwareFault:
		return "hardware-fault"
	case TagResultTemporaryFailure:
		return "temporary-failure"
	case TagResultReadWriteDenied:
		return "read-write-denied"
	case TagResultObjectUndefined:
		return "object-undefined"
	case TagResultObjectClassInconsistent:
		return "object-class-inconsistent"
	case TagResultObjectUnavailable:
		return "object-unavailable"
	case TagResultTypeUnmatched:
		return "type-unmatched"
	case TagResultScopeAccessViolated:
		return "scope-of-access-violated"
	case TagResultDataBlockUnavailable:
		return "data-block-unavailable"
	case TagResultLongGetAborted:
		return "long-get-aborted"
	case TagResultNoLongGetInProgress:
		return "no-long-get-in-progress"
	case TagResultLongSetAborted:
		return "long-set-aborted"
	case TagResultNoLongSetInProgress:
		return "no-long-set-in-progress"
	case TagResultDataBlockNumberInvalid:
		return "data-block-number-invalid"
	case TagResultOtherReason:
		return "other-reason"
	default:
		return "unknown"
	}
}

type ReleaseRequestReason byte

const (
	ReleaseRequestReasonNormal ReleaseRequestReason = 0
)
