package ir

// ProtocolVersion is the wire protocol version this client speaks. It is
// sent in the init handshake and compared by the authority.
const ProtocolVersion = "v0.3.0"

// EngineVersion is reported by `lofi version`.
const EngineVersion = "0.3.0"
