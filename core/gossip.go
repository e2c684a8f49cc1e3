// Copyright 2021-2022 The pubsubharness Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/pubsubharness/common"
	"github.com/apex/log"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

// GossipSessionParams libp2p gossip specific session parameters
type GossipSessionParams struct {
	// EnableMDNS discover the other sessions on the local network, using the realm
	// as the rendezvous string
	EnableMDNS bool
	// Bootstrap full peer multiaddrs to connect to on open
	Bootstrap []string
}

// GossipSessionFactory get a SessionFactory producing libp2p gossipsub sessions.
//
// Each session is its own peer; the endpoint is the peer listen multiaddr.
func GossipSessionFactory(gossipParams GossipSessionParams) SessionFactory {
	return func(params SessionParams) (Session, error) {
		if _, err := ma.NewMultiaddr(params.Endpoint); err != nil {
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", params.Endpoint, err)
		}
		return &GossipSession{
			Component: common.Component{LogTags: log.Fields{
				"module":    "core",
				"component": "gossip-session",
				"instance":  fmt.Sprintf("%s#%d", params.Instance, params.Ordinal),
				"endpoint":  params.Endpoint,
			}},
			params:       params,
			gossipParams: gossipParams,
			topics:       make(map[string]*pubsub.Topic),
		}, nil
	}
}

// GossipSession implements Session as a libp2p gossipsub peer
type GossipSession struct {
	common.Component
	params       SessionParams
	gossipParams GossipSessionParams
	lock         sync.Mutex
	ctxt         context.Context
	cancel       context.CancelFunc
	host         host.Host
	ps           *pubsub.PubSub
	mdns         mdns.Service
	topics       map[string]*pubsub.Topic
}

// Endpoint the peer listen multiaddr
func (s *GossipSession) Endpoint() string {
	return s.params.Endpoint
}

// PeerAddrs full multiaddrs other peers can bootstrap from
func (s *GossipSession) PeerAddrs() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.host == nil {
		return nil
	}
	out := make([]string, 0, len(s.host.Addrs()))
	for _, addr := range s.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), s.host.ID().String()))
	}
	return out
}

// Open start the peer, join the gossip mesh and connect to bootstrap peers
func (s *GossipSession) Open(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	listen, err := ma.NewMultiaddr(s.params.Endpoint)
	if err != nil {
		return opError(OpOpen, s.params.Endpoint, err)
	}
	h, err := libp2p.New(libp2p.ListenAddrs(listen))
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to create peer host")
		return opError(OpOpen, s.params.Endpoint, err)
	}
	// The peer outlives the open call, so it runs on its own context
	peerCtxt, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(peerCtxt, h)
	if err != nil {
		cancel()
		_ = h.Close()
		log.WithError(err).WithFields(s.LogTags).Error("Failed to create gossipsub")
		return opError(OpOpen, s.params.Endpoint, err)
	}
	s.ctxt, s.cancel, s.host, s.ps = peerCtxt, cancel, h, ps

	if s.gossipParams.EnableMDNS {
		s.mdns = mdns.NewMdnsService(h, s.params.Realm, &gossipNotifee{session: s})
		if err := s.mdns.Start(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Warn("mDNS discovery start failed")
		}
	}

	for _, raw := range s.gossipParams.Bootstrap {
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Warnf("Skip bootstrap addr %s", raw)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Warnf("Skip bootstrap addr %s", raw)
			continue
		}
		if err := h.Connect(ctx, *info); err != nil {
			log.WithError(err).WithFields(s.LogTags).Warnf("Bootstrap connect to %s failed", info.ID)
		} else {
			log.WithFields(s.LogTags).Debugf("Connected bootstrap peer %s", info.ID)
		}
	}
	log.WithFields(s.LogTags).Infof("Peer %s joined realm %s", h.ID(), s.params.Realm)
	return nil
}

// getOrJoinTopic must be called with the lock held
func (s *GossipSession) getOrJoinTopic(topic string) (*pubsub.Topic, error) {
	name := fmt.Sprintf("%s/%s", s.params.Realm, topic)
	if t, ok := s.topics[name]; ok {
		return t, nil
	}
	t, err := s.ps.Join(name)
	if err != nil {
		return nil, err
	}
	s.topics[name] = t
	return t, nil
}

// Subscribe subscribe to a topic
func (s *GossipSession) Subscribe(
	ctx context.Context, topic string, inbound chan<- Message,
) (Subscription, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.ps == nil {
		return nil, opError(OpSubscribe, s.params.Endpoint, ErrNotOpen)
	}
	t, err := s.getOrJoinTopic(topic)
	if err != nil {
		return nil, opError(OpSubscribe, s.params.Endpoint, err)
	}
	psSub, err := t.Subscribe()
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to subscribe to %s", topic)
		return nil, opError(OpSubscribe, s.params.Endpoint, err)
	}
	subCtxt, subCancel := context.WithCancel(s.ctxt)
	sub := &gossipSubscription{topic: topic, sub: psSub, cancel: subCancel}
	go func() {
		for {
			m, err := psSub.Next(subCtxt)
			if err != nil {
				return
			}
			msg, err := decodeMessage(topic, m.Data)
			if err != nil {
				log.WithError(err).WithFields(s.LogTags).Errorf(
					"Dropping undecodable message from %s", m.ReceivedFrom,
				)
				continue
			}
			if !deliver(subCtxt.Done(), inbound, msg) {
				return
			}
		}
	}()
	return sub, nil
}

// Publish publish a message to the gossip topic
func (s *GossipSession) Publish(ctx context.Context, topic string, msg Message) error {
	s.lock.Lock()
	if s.ps == nil {
		s.lock.Unlock()
		return opError(OpPublish, s.params.Endpoint, ErrNotOpen)
	}
	t, err := s.getOrJoinTopic(topic)
	s.lock.Unlock()
	if err != nil {
		return opError(OpPublish, s.params.Endpoint, err)
	}
	payload, err := encodeMessage(msg)
	if err != nil {
		return opError(OpPublish, s.params.Endpoint, err)
	}
	if err := t.Publish(ctx, payload); err != nil {
		return opError(OpPublish, s.params.Endpoint, err)
	}
	return nil
}

// Close leave all topics and stop the peer
func (s *GossipSession) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.host == nil {
		return nil
	}
	if s.mdns != nil {
		_ = s.mdns.Close()
	}
	s.cancel()
	for _, t := range s.topics {
		_ = t.Close()
	}
	s.topics = make(map[string]*pubsub.Topic)
	err := s.host.Close()
	s.host, s.ps = nil, nil
	log.WithFields(s.LogTags).Info("Peer stopped")
	return err
}

// gossipNotifee connects to peers found through mDNS
type gossipNotifee struct {
	session *GossipSession
}

func (n *gossipNotifee) HandlePeerFound(info peer.AddrInfo) {
	n.session.lock.Lock()
	h, ctxt := n.session.host, n.session.ctxt
	n.session.lock.Unlock()
	if h == nil || info.ID == h.ID() {
		return
	}
	if err := h.Connect(ctxt, info); err != nil {
		log.WithError(err).WithFields(n.session.LogTags).Debugf("mDNS connect to %s failed", info.ID)
	}
}

// gossipSubscription implements Subscription
type gossipSubscription struct {
	topic    string
	sub      *pubsub.Subscription
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func (s *gossipSubscription) Topic() string {
	return s.topic
}

func (s *gossipSubscription) Unsubscribe() error {
	s.stopOnce.Do(func() {
		s.cancel()
		s.sub.Cancel()
	})
	return nil
}
