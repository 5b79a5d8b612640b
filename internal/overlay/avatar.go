package overlay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chatr/chatr/internal/proto"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// maxAvatarSize bounds what FetchAvatar will read from a remote stream,
// refusing anything implausibly large before it's fully buffered.
const maxAvatarSize = 512 * 1024

// AvatarStore is the local avatar image, decoupling the Network Core from
// internal/store the same way media.Signal decouples the media engine from
// this package: the overlay only needs to read bytes back out, never to
// know how or where they're persisted.
type AvatarStore interface {
	// CurrentAvatar returns the local avatar's raw bytes, or ok=false if
	// none is set.
	CurrentAvatar() (data []byte, ok bool)
}

// EnableAvatar registers the avatar-fetch stream handler. Calling it is
// optional — a node with no avatar configured never needs it — but once
// enabled, remote peers can pull the current avatar on demand by hash,
// out of band from gossip (only the hash itself ever travels on a
// PeerAnnounce envelope).
func (n *Node) EnableAvatar(store AvatarStore) {
	n.avatarStore = store
	n.Host.SetStreamHandler(protocol.ID(proto.AvatarProtoID), n.handleAvatarStream)
}

func (n *Node) handleAvatarStream(s network.Stream) {
	defer s.Close()

	if n.avatarStore == nil {
		_, _ = io.WriteString(s, "NONE\n")
		return
	}
	data, ok := n.avatarStore.CurrentAvatar()
	if !ok || len(data) == 0 {
		_, _ = io.WriteString(s, "NONE\n")
		return
	}
	if _, err := fmt.Fprintf(s, "OK %d\n", len(data)); err != nil {
		return
	}
	_, _ = s.Write(data)
}

// FetchAvatar opens a stream to peerID and reads back its current avatar,
// returning (nil, nil) if the peer has none set.
func (n *Node) FetchAvatar(ctx context.Context, peerID string) ([]byte, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, fmt.Errorf("fetch avatar: %w", err)
	}

	s, err := n.Host.NewStream(ctx, pid, protocol.ID(proto.AvatarProtoID))
	if err != nil {
		return nil, fmt.Errorf("fetch avatar: open stream: %w", err)
	}
	defer s.Close()

	rd := bufio.NewReader(s)
	header, err := rd.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("fetch avatar: read header: %w", err)
	}
	header = strings.TrimSpace(header)
	if header == "NONE" {
		return nil, nil
	}
	sizeStr, ok := strings.CutPrefix(header, "OK ")
	if !ok {
		return nil, fmt.Errorf("fetch avatar: unexpected header %q", header)
	}
	size, err := strconv.Atoi(sizeStr)
	if err != nil || size < 0 || size > maxAvatarSize {
		return nil, fmt.Errorf("fetch avatar: refusing size %q", sizeStr)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(rd, data); err != nil {
		return nil, fmt.Errorf("fetch avatar: read body: %w", err)
	}
	return data, nil
}
