package swim

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coreswim/swimcluster/internal/metrics"
)

func newTestCluster(t *testing.T, name string, port uint16) *Cluster {
	t.Helper()
	cfg := DefaultConfig()
	cfg.NodeName = name
	cfg.BindHost = "127.0.0.1"
	cfg.BindPort = port
	cfg.ProbeInterval = 50 * time.Millisecond
	cfg.ProbeTimeout = 100 * time.Millisecond
	cfg.SyncInterval = 50 * time.Millisecond
	cfg.Metrics = metrics.NewCollector(prometheus.NewRegistry())

	c, err := NewCluster(cfg)
	if err != nil {
		t.Fatalf("NewCluster(%s): %v", name, err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start(%s): %v", name, err)
	}
	t.Cleanup(func() { c.Stop() })
	return c
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestCluster_StartStopIsIdempotent(t *testing.T) {
	c := newTestCluster(t, "solo", 19001)
	if err := c.Start(); err != nil {
		t.Errorf("second Start() = %v, want nil", err)
	}
	if err := c.Stop(); err != nil {
		t.Errorf("Stop() = %v, want nil", err)
	}
	if err := c.Stop(); err != nil {
		t.Errorf("second Stop() = %v, want nil", err)
	}
}

func TestCluster_JoinPropagatesMembershipBothWays(t *testing.T) {
	a := newTestCluster(t, "node-a", 19002)
	b := newTestCluster(t, "node-b", 19003)

	if err := b.Join("127.0.0.1:19002"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	waitForCondition(t, 2*time.Second, func() bool { return len(a.Members()) == 2 })
	waitForCondition(t, 2*time.Second, func() bool { return len(b.Members()) == 2 })
}

func TestCluster_PingReturnsTrueForLiveMember(t *testing.T) {
	a := newTestCluster(t, "ping-a", 19004)
	b := newTestCluster(t, "ping-b", 19005)

	if err := a.Join("127.0.0.1:19005"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	waitForCondition(t, 2*time.Second, func() bool { return len(a.Members()) == 2 })

	ok, err := a.Ping("ping-b")
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if !ok {
		t.Error("Ping(live member) = false, want true")
	}
}

func TestCluster_PingUnknownNodeErrors(t *testing.T) {
	a := newTestCluster(t, "lonely", 19006)
	if _, err := a.Ping("nobody"); err == nil {
		t.Error("Ping(unknown node) = nil error, want error")
	}
}

func TestCluster_StoppedMemberEventuallyDeclaredDead(t *testing.T) {
	a := newTestCluster(t, "watcher", 19007)
	b := newTestCluster(t, "victim", 19008)

	if err := a.Join("127.0.0.1:19008"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	waitForCondition(t, 2*time.Second, func() bool { return len(a.Members()) == 2 })

	dead := make(chan struct{}, 1)
	a.Subscribe(EventNodeDead, func(n *Node) {
		if n.Name == "victim" {
			select {
			case dead <- struct{}{}:
			default:
			}
		}
	})

	b.Stop() // stop responding to probes without a graceful Leave

	select {
	case <-dead:
	case <-time.After(5 * time.Second):
		t.Fatal("victim was not declared dead after going silent")
	}
}

func TestCluster_LeaveBroadcastsDead(t *testing.T) {
	a := newTestCluster(t, "stayer", 19009)
	b := newTestCluster(t, "leaver", 19010)

	if err := a.Join("127.0.0.1:19010"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	waitForCondition(t, 2*time.Second, func() bool { return len(a.Members()) == 2 })

	dead := make(chan struct{}, 1)
	a.Subscribe(EventNodeDead, func(n *Node) {
		if n.Name == "leaver" {
			select {
			case dead <- struct{}{}:
			default:
			}
		}
	})

	if err := b.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	select {
	case <-dead:
	case <-time.After(2 * time.Second):
		t.Fatal("leave was not observed as a DEAD event by the peer")
	}
}

func TestCluster_SendDeliversUserMessage(t *testing.T) {
	received := make(chan string, 1)

	aCfg := DefaultConfig()
	aCfg.NodeName = "sender"
	aCfg.BindHost = "127.0.0.1"
	aCfg.BindPort = 19011
	aCfg.Metrics = metrics.NewCollector(prometheus.NewRegistry())
	a, err := NewCluster(aCfg)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { a.Stop() })

	bCfg := DefaultConfig()
	bCfg.NodeName = "receiver"
	bCfg.BindHost = "127.0.0.1"
	bCfg.BindPort = 19012
	bCfg.Metrics = metrics.NewCollector(prometheus.NewRegistry())
	bCfg.UserMessageHandler = func(data []byte, from string) {
		received <- string(data)
	}
	b, err := NewCluster(bCfg)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { b.Stop() })

	if err := a.Join("127.0.0.1:19012"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	waitForCondition(t, 2*time.Second, func() bool { return len(a.Members()) == 2 })

	if err := a.Send("receiver", []byte("hello"), false); err != nil {
		t.Fatalf("Send (unreliable): %v", err)
	}
	select {
	case got := <-received:
		if got != "hello" {
			t.Errorf("received = %q, want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unreliable Send was not delivered")
	}

	if err := a.Send("receiver", []byte("world"), true); err != nil {
		t.Fatalf("Send (reliable): %v", err)
	}
	select {
	case got := <-received:
		if got != "world" {
			t.Errorf("received = %q, want %q", got, "world")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reliable Send was not delivered")
	}
}
