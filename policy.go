package msgr

// Policy describes how this side treats every peer of a given EntityType.
// Policies are looked up once per peer type; missing types use
// DefaultPolicy.
type Policy struct {
	// Lossy peers accept session reset on fault: sent/queued messages are
	// dropped instead of retained for replay.
	Lossy bool
	// Server means this side wins same-connect_seq races (see the race
	// table in Messenger.resolveRace, messenger.go).
	Server bool
	// Standby is carried in the policy but not read by any pipe code: a
	// durable pipe whose outbound queue is empty after a fault enters
	// StateStandby whatever this field says.
	Standby bool

	FeaturesSupported uint64
	FeaturesRequired  uint64

	// Throttle is the policy-scoped Throttler shared by every pipe to a
	// peer of this type. Nil means unthrottled at the policy scope.
	Throttle *Throttler
}

// DefaultPolicy is used for peer types with no explicit entry.
var DefaultPolicy = Policy{
	Lossy:             true,
	Server:            false,
	Standby:           false,
	FeaturesSupported: FeatureReconnectSeq,
	FeaturesRequired:  0,
}

// PolicyMap holds one Policy per peer EntityType.
type PolicyMap struct {
	byType map[EntityType]Policy
}

func NewPolicyMap() *PolicyMap {
	return &PolicyMap{byType: make(map[EntityType]Policy)}
}

func (pm *PolicyMap) Set(t EntityType, p Policy) {
	pm.byType[t] = p
}

func (pm *PolicyMap) Get(t EntityType) Policy {
	if p, ok := pm.byType[t]; ok {
		return p
	}
	return DefaultPolicy
}

// Feature bits. Only the ones the transport itself negotiates are named
// here; application-level feature bits live above this module.
const (
	FeatureReconnectSeq uint64 = 1 << 0 // peer understands SEQ / in_seq exchange on reconnect
	FeatureNoSrcAddr    uint64 = 1 << 1 // peer accepts the NOSRCADDR header layout
)

// direction distinguishes which side of a handshake we are on, for the
// protocol-version lookup table.
type direction int

const (
	dirConnect direction = iota
	dirAccept
)

// protocolVersion looks up the expected protocol version for a
// (myType, peerType, direction) triple against a static table (internal
// vs client, connect vs accept). Internal entities are
// Monitor/ObjectServer/MetadataServer; Client is the external-facing row.
// Mismatches abort the handshake with BADPROTOVER.
func protocolVersion(myType, peerType EntityType, dir direction) uint32 {
	row := protocolClass(myType)
	col := protocolClass(peerType)
	return protocolVersionTable[row][col][dir]
}

func protocolClass(t EntityType) int {
	if t == EntityClient {
		return 1
	}
	return 0
}

// protocolVersionTable[myClass][peerClass][direction]. Internal-internal
// traffic runs one version, client-facing traffic another; both are
// fixed by the wire format and do not vary by exact entity type within
// a class.
var protocolVersionTable = [2][2][2]uint32{
	// myClass == internal
	{
		{11, 11}, // peerClass == internal: {connect, accept}
		{9, 9},   // peerClass == client
	},
	// myClass == client
	{
		{9, 9}, // peerClass == internal
		{9, 9}, // peerClass == client (rare: client-to-client)
	},
}
