package msgr

import "testing"

func TestProtocolVersionTableInternalVsClient(t *testing.T) {
	cases := []struct {
		my, peer EntityType
		dir      direction
		want     uint32
	}{
		{EntityMonitor, EntityObjectServer, dirConnect, 11},
		{EntityMonitor, EntityObjectServer, dirAccept, 11},
		{EntityMonitor, EntityClient, dirConnect, 9},
		{EntityClient, EntityMonitor, dirConnect, 9},
		{EntityClient, EntityClient, dirAccept, 9},
	}
	for _, c := range cases {
		if got := protocolVersion(c.my, c.peer, c.dir); got != c.want {
			t.Errorf("protocolVersion(%s, %s, %d) = %d, want %d", c.my, c.peer, c.dir, got, c.want)
		}
	}
}

func TestPolicyMapFallsBackToDefault(t *testing.T) {
	pm := NewPolicyMap()
	pm.Set(EntityObjectServer, Policy{Lossy: false, Server: true})

	if got := pm.Get(EntityObjectServer); got.Server != true {
		t.Fatalf("expected configured policy for object server")
	}
	if got := pm.Get(EntityMetadataServer); got != DefaultPolicy {
		t.Fatalf("expected DefaultPolicy fallback for unconfigured peer type")
	}
}
