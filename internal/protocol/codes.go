package protocol

// Stable wire error codes. Callers branch on these programmatically, so
// they are part of the compatibility surface.
const (
	CodeMalformedEnvelope     = "MALFORMED_ENVELOPE"
	CodeRequestTimeout        = "REQUEST_TIMEOUT"
	CodeConnectionLost        = "CONNECTION_LOST"
	CodeHandshakeRejected     = "HANDSHAKE_REJECTED"
	CodeSessionExpired        = "SESSION_EXPIRED"
	CodeUnauthenticated       = "UNAUTHENTICATED"
	CodeInstanceNotFound      = "INSTANCE_NOT_FOUND"
	CodeInstanceFull          = "INSTANCE_FULL"
	CodeAlreadyMember         = "ALREADY_MEMBER"
	CodeNotAMember            = "NOT_A_MEMBER"
	CodeForbidden             = "FORBIDDEN"
	CodeCampaignAlreadyActive = "CAMPAIGN_ALREADY_ACTIVE"
	CodeCampaignNotFound      = "CAMPAIGN_NOT_FOUND"
	CodeCampaignResolved      = "CAMPAIGN_RESOLVED"
	CodeUnknownMethod         = "UNKNOWN_METHOD"
	CodeInvalidParams         = "INVALID_PARAMS"
	CodeInternal              = "INTERNAL"
)
