package types

// Version is the canonical project version.
// The audit log schema and alert payloads share this version.
const Version = "0.3.0"

// AlertContractVersion is the version stamped on published alert events.
const AlertContractVersion = Version
