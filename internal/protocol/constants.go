package protocol

// This is the size of the channel tag that starts every datagram.
const CHANNEL_SIZE int = 1

// This is the size of the security cookie that follows the channel tag.
const COOKIE_SIZE int = 4

// This contains the size of the header prepended to every datagram on the wire:
// Channel (uint8)
// Cookie (uint32)
const DATAGRAM_HEADER_SIZE int = CHANNEL_SIZE + COOKIE_SIZE

// This is the size of the reliable or unreliable sub-header that starts every message.
const MESSAGE_HEADER_SIZE int = 1

// This is the default MTU. It stays below the common 1280 byte IPv6 minimum so that
// datagrams are not fragmented by the network on most paths.
const DEFAULT_MTU int = 1200

// This specifies the maximum MTU a datagram may be configured with.
const MAX_MTU_SIZE int = 1500

// This is the size of the buffers used to receive datagrams from the socket. It is
// larger than any MTU so that oversized datagrams are read whole and rejected
// instead of being silently truncated.
const RECEIVE_BUFFER_SIZE int = 2048
