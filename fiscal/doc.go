// Package fiscal is the fiscal receipt queue and its connector protocol.
//
// A [Document] is created per order receipt. Connector-mode documents are
// QUEUED until a paired [Device] pulls them; the claim moves them to
// PROCESSING and binds them to that device, and the device then pushes
// SENT or FAILED. Adapter-mode documents are sent by the server through
// an [Adapter]; failed ones are retried by the [SweepTask] job.
//
// Devices pair by redeeming a short [PairingCode] for a bearer credential.
// Only the credential's SHA-256 hash is stored. Every device call is
// authenticated with [Service.Authenticate]; unknown or inactive
// credentials are rejected with tally.ErrUnauthorized.
package fiscal
