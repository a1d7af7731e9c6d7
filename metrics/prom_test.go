// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/kellnerd/shareproto"
	"github.com/kellnerd/shareproto/handler"
	"github.com/kellnerd/shareproto/peers"
	"github.com/kellnerd/shareproto/reflectbind"
	"github.com/kellnerd/shareproto/wire"
)

// collect drains a Collector into a name-keyed map, relying on Collect
// emitting one metric per counterNames entry, in counterNames order.
func collect(c *Collector) map[string]float64 {
	ch := make(chan prometheus.Metric, len(counterNames))
	c.Collect(ch)
	close(ch)

	out := make(map[string]float64, len(counterNames))
	i := 0
	for m := range ch {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil {
			panic(err)
		}
		out[counterNames[i]] = pb.GetGauge().GetValue()
		i++
	}
	return out
}

func TestDescribeEmitsEveryCounter(t *testing.T) {
	ep := shareproto.NewEndpoint(&nullRoot{}, reflectbind.NewBinder(), mustCodec(t))
	c := NewCollector(ep, "shareproto", "test")

	ch := make(chan *prometheus.Desc, len(counterNames)+1)
	c.Describe(ch)
	close(ch)

	var got []*prometheus.Desc
	for d := range ch {
		got = append(got, d)
	}
	if len(got) != len(counterNames) {
		t.Fatalf("Describe: got %d descriptors, want %d", len(got), len(counterNames))
	}

	want := make(map[string]bool, len(counterNames))
	for _, name := range counterNames {
		d := prometheus.NewDesc(prometheus.BuildFQName("shareproto", "test", name), "shareproto Endpoint counter "+name, nil, nil)
		want[d.String()] = true
	}
	for _, d := range got {
		if !want[d.String()] {
			t.Errorf("Describe: unexpected descriptor %v", d)
		}
	}
}

type nullRoot struct{}

func mustCodec(t *testing.T) shareproto.Serializer {
	t.Helper()
	codec, err := wire.New()
	if err != nil {
		t.Fatalf("wire.New: %v", err)
	}
	return codec
}

type echoer struct{}

func (e *echoer) Echo(ctx context.Context, s string) (string, error) { return s, nil }

// TestCollectReportsCallActivity exercises one full method-call round trip
// and checks that the caller's outbound counters and the callee's inbound
// counters both land back at their resting values, having passed through
// exactly one in-flight packet each way.
func TestCollectReportsCallActivity(t *testing.T) {
	codec := mustCodec(t)

	eb := reflectbind.NewDescriptorBuilder()
	eb.Method("Echo", handler.Method(codec, func(ctx context.Context, target *echoer, s string) (string, error) {
		return target.Echo(ctx, s)
	}))
	echoID, _ := eb.MethodID("Echo")

	binder := reflectbind.NewBinder()
	const (
		echoerType = "test.metrics.echoer"
		nullType   = "test.metrics.null"
	)
	reflectbind.RegisterDescriptor[*echoer](binder, echoerType, eb.Build())
	reflectbind.Register[*passiveProxy](binder, echoerType, nil, func(ep *shareproto.Endpoint, id shareproto.ObjectID) *passiveProxy {
		return &passiveProxy{}
	})
	reflectbind.RegisterDescriptor[*nullRoot](binder, nullType, &shareproto.Descriptor{})
	reflectbind.Register[*passiveProxy](binder, nullType, nil, func(ep *shareproto.Endpoint, id shareproto.ObjectID) *passiveProxy {
		return &passiveProxy{}
	})

	loc, err := peers.NewLocal(&echoer{}, &nullRoot{}, binder, codec)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	defer loc.Stop()

	args, err := codec.Marshal(nil, "hi")
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := loc.B.CallMethod(context.Background(), shareproto.RootObjectID, echoID, args, nil); err != nil {
		t.Fatalf("CallMethod(Echo): %v", err)
	}

	caller := collect(NewCollector(loc.B, "", ""))
	if got := caller["calls_out"]; got != 1 {
		t.Errorf("caller calls_out: got %v, want 1", got)
	}
	if got := caller["calls_pending"]; got != 0 {
		t.Errorf("caller calls_pending: got %v, want 0 (the call already completed)", got)
	}
	if got := caller["calls_out_failed"]; got != 0 {
		t.Errorf("caller calls_out_failed: got %v, want 0", got)
	}
	if got := caller["packets_sent"]; got != 1 {
		t.Errorf("caller packets_sent: got %v, want 1", got)
	}
	if got := caller["packets_received"]; got != 1 {
		t.Errorf("caller packets_received: got %v, want 1", got)
	}

	callee := collect(NewCollector(loc.A, "", ""))
	if got := callee["calls_in"]; got != 1 {
		t.Errorf("callee calls_in: got %v, want 1", got)
	}
	if got := callee["calls_active"]; got != 0 {
		t.Errorf("callee calls_active: got %v, want 0 (the invocation already returned)", got)
	}
	if got := callee["calls_in_failed"]; got != 0 {
		t.Errorf("callee calls_in_failed: got %v, want 0", got)
	}
	if got := callee["packets_received"]; got != 1 {
		t.Errorf("callee packets_received: got %v, want 1", got)
	}
	if got := callee["packets_sent"]; got != 1 {
		t.Errorf("callee packets_sent: got %v, want 1", got)
	}
}

// passiveProxy stands in for whichever root a test's own side never calls
// through; Bootstrap always builds a proxy for the peer's declared root
// type.
type passiveProxy struct{}
