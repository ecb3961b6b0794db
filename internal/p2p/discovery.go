package p2p

import (
	"context"
	"fmt"
	"time"

	klog "github.com/Klingon-tech/tokenwire/internal/log"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
)

const (
	// dhtRendezvousFallback is the discovery namespace when no NetworkID is set.
	dhtRendezvousFallback = "tokenwire"

	// dhtProtocolPrefix keeps tokenwire records out of the public IPFS DHT.
	dhtProtocolPrefix = "/tokenwire"

	dhtDiscoveryInterval = 30 * time.Second
	dhtFindTimeout       = 20 * time.Second
	seedRetryInterval    = 10 * time.Second
	seedConnectTimeout   = 10 * time.Second
	peerConnectTimeout   = 5 * time.Second
)

// rendezvous returns the DHT and mDNS namespace for this node's network.
func (n *Node) rendezvous() string {
	if n.config.NetworkID == "" {
		return dhtRendezvousFallback
	}
	return dhtRendezvousFallback + "/" + n.config.NetworkID
}

// startDiscovery dials the seeds and, unless disabled, starts mDNS and the
// DHT advertiser.
func (n *Node) startDiscovery() {
	if len(n.config.Seeds) > 0 {
		klog.P2P.Info().Int("seeds", len(n.config.Seeds)).Msg("Connecting to seeds...")
		n.connectSeeds()
		go n.runSeedLoop()
	}
	if n.config.NoDiscover {
		return
	}
	svc := mdns.NewMdnsService(n.host, n.rendezvous(), &discoveryNotifee{node: n})
	if err := svc.Start(); err != nil {
		klog.P2P.Debug().Err(err).Msg("mDNS unavailable")
	}
	go n.runDHTDiscovery()
}

// dial connects to a discovered peer unless it is this node, already
// connected, or the peer limit is reached. The limit does not apply to
// seeds.
func (n *Node) dial(info peer.AddrInfo, source string, timeout time.Duration) error {
	if info.ID == n.host.ID() || n.host.Network().Connectedness(info.ID) == network.Connected {
		return nil
	}
	if source != "seed" && n.config.MaxPeers > 0 && n.PeerCount() >= n.config.MaxPeers {
		return nil
	}
	ctx, cancel := context.WithTimeout(n.ctx, timeout)
	defer cancel()
	if err := n.host.Connect(ctx, info); err != nil {
		return err
	}
	n.addPeer(info.ID)
	n.setSource(info.ID, source)
	return nil
}

// discoveryNotifee receives mDNS results.
type discoveryNotifee struct {
	node *Node
}

// HandlePeerFound implements mdns.Notifee.
func (d *discoveryNotifee) HandlePeerFound(info peer.AddrInfo) {
	if err := d.node.dial(info, "mdns", peerConnectTimeout); err != nil {
		klog.P2P.Debug().Str("peer", shortID(info.ID)).Err(err).Msg("mDNS peer unreachable")
	}
}

// connectSeeds dials every seed once and reports how many answered.
func (n *Node) connectSeeds() int {
	ok := 0
	for _, addr := range n.config.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			klog.P2P.Warn().Str("addr", addr).Err(err).Msg("Bad seed address")
			continue
		}
		if err := n.dial(*info, "seed", seedConnectTimeout); err != nil {
			klog.P2P.Warn().Str("peer", shortID(info.ID)).Err(err).Msg("Seed connect failed")
			continue
		}
		klog.P2P.Info().Str("peer", shortID(info.ID)).Msg("Seed connected")
		ok++
	}
	return ok
}

// runSeedLoop redials the seeds whenever the node has no peers at all.
func (n *Node) runSeedLoop() {
	ticker := time.NewTicker(seedRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if n.PeerCount() > 0 {
				continue
			}
			klog.P2P.Info().Int("seeds", len(n.config.Seeds)).Msg("No peers, retrying seeds...")
			n.connectSeeds()
		}
	}
}

// initDHT starts the kad-dht that replicates telomere records.
func (n *Node) initDHT() error {
	mode := dht.ModeClient
	if n.config.DHTServer {
		mode = dht.ModeServer
	}
	kad, err := dht.New(n.ctx, n.host,
		dht.Mode(mode),
		dht.ProtocolPrefix(dhtProtocolPrefix),
		dht.NamespacedValidator(TelomereNamespace, TelomereValidator{}),
	)
	if err != nil {
		return fmt.Errorf("create kad-dht: %w", err)
	}
	n.dht = kad
	return kad.Bootstrap(n.ctx)
}

func (n *Node) closeDHT() {
	if n.dht == nil {
		return
	}
	n.dht.Close()
	n.dht = nil
}

// runDHTDiscovery advertises the rendezvous and periodically dials the
// peers found under it.
func (n *Node) runDHTDiscovery() {
	if n.dht == nil {
		return
	}
	rd := drouting.NewRoutingDiscovery(n.dht)
	dutil.Advertise(n.ctx, rd, n.rendezvous())

	ticker := time.NewTicker(dhtDiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			found, dialed := n.findDHTPeers(rd)
			if found > 0 {
				klog.P2P.Debug().Int("found", found).Int("dialed", dialed).Msg("DHT discovery round")
			}
		}
	}
}

func (n *Node) findDHTPeers(rd *drouting.RoutingDiscovery) (found, dialed int) {
	ctx, cancel := context.WithTimeout(n.ctx, dhtFindTimeout)
	defer cancel()
	ch, err := rd.FindPeers(ctx, n.rendezvous())
	if err != nil {
		return 0, 0
	}
	for info := range ch {
		if len(info.Addrs) == 0 {
			continue
		}
		found++
		if n.dial(info, "dht", peerConnectTimeout) == nil {
			dialed++
		}
	}
	return found, dialed
}
