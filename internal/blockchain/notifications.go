// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
)

// NotificationType represents the type of a notification message.
type NotificationType int

// NotificationCallback is used for a caller to provide a callback for
// notifications about various chain events.
//
// The callback is never invoked with the chain lock held, however, it MUST
// NOT call back into ProcessNewBlock.
type NotificationCallback func(*Notification)

// Constants for the type of a notification message.
const (
	// NTBlockChecked indicates a block submitted to ProcessNewBlock finished
	// processing.  It is sent exactly once per call regardless of whether the
	// block was valid.
	NTBlockChecked NotificationType = iota

	// NTBlockAccepted indicates the associated block was accepted into the
	// block chain.  Note that this does not necessarily mean it was added to
	// the main chain.  For that, use NTBlockConnected.
	NTBlockAccepted

	// NTBlockConnected indicates the associated block was connected to the
	// main chain.
	NTBlockConnected

	// NTBlockDisconnected indicates the associated block was disconnected
	// from the main chain.
	NTBlockDisconnected

	// NTChainReorgStarted indicates that a chain reorganization has commenced.
	NTChainReorgStarted

	// NTChainReorgDone indicates that a chain reorganization has concluded.
	NTChainReorgDone

	// NTSnapshotValidated indicates the background chain state reached the
	// base block of the active snapshot and produced the same utxo set.
	NTSnapshotValidated
)

// notificationTypeStrings is a map of notification types back to their
// constant names for pretty printing.
var notificationTypeStrings = map[NotificationType]string{
	NTBlockChecked:      "NTBlockChecked",
	NTBlockAccepted:     "NTBlockAccepted",
	NTBlockConnected:    "NTBlockConnected",
	NTBlockDisconnected: "NTBlockDisconnected",
	NTChainReorgStarted: "NTChainReorgStarted",
	NTChainReorgDone:    "NTChainReorgDone",
	NTSnapshotValidated: "NTSnapshotValidated",
}

// String returns the NotificationType in human-readable form.
func (n NotificationType) String() string {
	if s, ok := notificationTypeStrings[n]; ok {
		return s
	}
	return fmt.Sprintf("Unknown Notification Type (%d)", int(n))
}

// BlockCheckedNtfnsData is the structure for data indicating the result of
// processing a block.  Err is nil when the block was valid.
type BlockCheckedNtfnsData struct {
	Block *dcrutil.Block
	Err   error
}

// BlockAcceptedNtfnsData is the structure for data indicating information
// about an accepted block.
type BlockAcceptedNtfnsData struct {
	// BestHeight is the height of the current best chain.  Since the accepted
	// block might be on a side chain, this is not necessarily the same as the
	// height of the accepted block.
	BestHeight int64

	// Block is the block that was accepted into the chain.
	Block *dcrutil.Block
}

// BlockConnectedNtfnsData is the structure for data indicating information
// about a connected block.
type BlockConnectedNtfnsData struct {
	Block      *dcrutil.Block
	ChainState string
}

// BlockDisconnectedNtfnsData is the structure for data indicating information
// about a disconnected block.
type BlockDisconnectedNtfnsData struct {
	Block      *dcrutil.Block
	ChainState string
}

// ReorganizationNtfnsData is the structure for data indicating information
// about a reorganization.
type ReorganizationNtfnsData struct {
	OldHash   chainhash.Hash
	OldHeight int64
	NewHash   chainhash.Hash
	NewHeight int64
}

// SnapshotValidatedNtfnsData is the structure for data indicating a snapshot
// was validated by the background chain state.
type SnapshotValidatedNtfnsData struct {
	BaseHash   chainhash.Hash
	BaseHeight int64
}

// Notification defines notification that is sent to the caller via the
// callback function provided during the call to New and consists of a
// notification type as well as associated data that depends on the type as
// follows:
//   - NTBlockChecked:      *BlockCheckedNtfnsData
//   - NTBlockAccepted:     *BlockAcceptedNtfnsData
//   - NTBlockConnected:    *BlockConnectedNtfnsData
//   - NTBlockDisconnected: *BlockDisconnectedNtfnsData
//   - NTChainReorgStarted: nil
//   - NTChainReorgDone:    *ReorganizationNtfnsData
//   - NTSnapshotValidated: *SnapshotValidatedNtfnsData
type Notification struct {
	Type NotificationType
	Data interface{}
}

// pendingNotifications collects notifications generated while the chain lock
// is held so they can be delivered once it is released.
type pendingNotifications []Notification

// add queues a notification of the provided type.
func (p *pendingNotifications) add(typ NotificationType, data interface{}) {
	*p = append(*p, Notification{Type: typ, Data: data})
}

// sendNotification sends a notification with the passed type and data if the
// caller requested notifications by providing a callback function in the call
// to New.
//
// This function MUST NOT be called with the chain lock held.
func (m *ChainStateManager) sendNotification(typ NotificationType, data interface{}) {
	// Ignore it if the caller didn't request notifications.
	if m.notifications == nil {
		return
	}

	// Generate and send the notification.
	n := Notification{Type: typ, Data: data}
	m.notifications(&n)
}

// deliver sends every queued notification in order and empties the queue.
//
// This function MUST NOT be called with the chain lock held.
func (m *ChainStateManager) deliver(pending *pendingNotifications) {
	for _, n := range *pending {
		m.sendNotification(n.Type, n.Data)
	}
	*pending = (*pending)[:0]
}
