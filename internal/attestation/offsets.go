package attestation

// Byte offsets into the attestation verifier's response payload. These
// encode exactly one fixed verifier wire version; a future version
// would need its own constant set plus a negotiated version field,
// which is out of scope here.
const (
	offsetChallengeStart   = 8
	offsetChallengeEnd     = 40
	offsetMeasurementStart = 47
	offsetMeasurementEnd   = 79
	offsetFingerprintStart = 86
	offsetFingerprintEnd   = 118

	minPayloadLen = offsetFingerprintEnd
)
