package msgr

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// metricsSeq generates unique IDs for expvar namespacing across Messengers
// sharing a process, e.g. two nodes of a simulated cluster in one binary.
var metricsSeq atomic.Int64

// Metrics holds the counters published on /debug/vars. Each field is
// also exported individually as an expvar.Func under a prefix unique to
// this instance, so a process embedding more than one Messenger gets a
// distinct counter set per Messenger rather than one global collision.
type Metrics struct {
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	pipesFaulted     atomic.Int64
	pipesReaped      atomic.Int64
	pipesReplaced    atomic.Int64
	handshakeRejects atomic.Int64
	backlogSaturated atomic.Int64
}

// newMetrics creates a Metrics instance and publishes all counters to expvar
// under a prefix unique to this call, via a monotonic sequence.
func newMetrics() *Metrics {
	mt := &Metrics{}

	seq := metricsSeq.Add(1)
	prefix := "msgr." + strconv.FormatInt(seq, 10) + "."

	publish := func(name string, v *atomic.Int64) {
		expvar.Publish(prefix+name, expvar.Func(func() interface{} { return v.Load() }))
	}

	publish("messages_sent", &mt.messagesSent)
	publish("messages_received", &mt.messagesReceived)
	publish("pipes_faulted", &mt.pipesFaulted)
	publish("pipes_reaped", &mt.pipesReaped)
	publish("pipes_replaced", &mt.pipesReplaced)
	publish("handshake_rejects", &mt.handshakeRejects)
	publish("accept_backlog_saturated", &mt.backlogSaturated)

	return mt
}
