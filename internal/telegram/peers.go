package telegram

import (
	"sync"

	"github.com/gotd/td/tg"

	"github.com/drapik/tg-stream-bot/internal/bot"
)

// channelOffset maps channel ids into the negative chat id space the same
// way the Bot API does.
const channelOffset = int64(1_000_000_000_000)

// Peers remembers how to address every chat the bot has heard from. MTProto
// needs the access hash, which only arrives with inbound updates.
type Peers struct {
	mu    sync.RWMutex
	peers map[int64]tg.InputPeerClass
}

func NewPeers() *Peers {
	return &Peers{peers: make(map[int64]tg.InputPeerClass)}
}

func (p *Peers) Remember(chatID int64, peer tg.InputPeerClass) {
	p.mu.Lock()
	p.peers[chatID] = peer
	p.mu.Unlock()
}

func (p *Peers) Lookup(chatID int64) (tg.InputPeerClass, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	peer, ok := p.peers[chatID]
	return peer, ok
}

func (p *Peers) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.peers)
}

// convert turns an inbound message into a bot message plus the peer to
// answer on. Outgoing, service and non-text messages are skipped.
func convert(e tg.Entities, mc tg.MessageClass) (bot.Message, tg.InputPeerClass, bool) {
	m, ok := mc.(*tg.Message)
	if !ok || m.Out || m.Message == "" {
		return bot.Message{}, nil, false
	}

	var (
		msg  bot.Message
		peer tg.InputPeerClass
	)
	switch p := m.PeerID.(type) {
	case *tg.PeerUser:
		msg.ChatID = p.UserID
		msg.UserID = p.UserID
		user, ok := e.Users[p.UserID]
		if !ok {
			return bot.Message{}, nil, false
		}
		peer = &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash}
	case *tg.PeerChat:
		msg.ChatID = -p.ChatID
		peer = &tg.InputPeerChat{ChatID: p.ChatID}
	case *tg.PeerChannel:
		msg.ChatID = -(channelOffset + p.ChannelID)
		ch, ok := e.Channels[p.ChannelID]
		if !ok {
			return bot.Message{}, nil, false
		}
		peer = &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
	default:
		return bot.Message{}, nil, false
	}

	if from, ok := m.FromID.(*tg.PeerUser); ok {
		msg.UserID = from.UserID
	}
	if msg.UserID == 0 {
		// Anonymous group admins and channel posts have no user.
		return bot.Message{}, nil, false
	}
	if user, ok := e.Users[msg.UserID]; ok {
		msg.Username = user.Username
		msg.FirstName = user.FirstName
	}
	msg.Text = m.Message
	return msg, peer, true
}
