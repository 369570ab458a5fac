package cluster

import (
	"github.com/TomMD/Bedrock/internal/wire"
)

// sendOutstandingTransactions streams locally committed transactions that
// followers haven't seen yet as ASYNC BEGIN/COMMIT pairs. Takes the global
// commit lock; never call mid-commit (the sync loop already holds the lock
// then — use the Locked variant).
func (n *Node) sendOutstandingTransactions() {
	lock := n.db.CommitLock()
	lock.Lock()
	defer lock.Unlock()
	n.sendOutstandingTransactionsLocked()
}

// sendOutstandingTransactionsLocked requires the global commit lock held.
func (n *Node) sendOutstandingTransactionsLocked() {
	if !n.globals.unsentTransactions.Load() {
		return
	}
	sendTime := n.clock.Now().UnixMicro()
	for _, tx := range n.db.CommittedTransactions() {
		if tx.ID <= n.globals.lastSentTransactionID.Load() {
			continue
		}
		txn := wire.New("BEGIN_TRANSACTION")
		txn.SetUint("NewCount", tx.ID)
		txn.Set("NewHash", tx.Hash)
		txn.SetInt("leaderSendTime", sendTime)
		txn.Set("ID", asyncIDPrefix+txn.Get("NewCount"))
		txn.Content = []byte(tx.Query)
		n.sendToAllPeers(txn, true)

		for _, p := range n.peers.All() {
			p.transactionResponse = voteUnset
		}

		commit := wire.New("COMMIT_TRANSACTION")
		commit.Set("ID", txn.Get("ID"))
		commit.SetUint("CommitCount", tx.ID)
		commit.Set("Hash", tx.Hash)
		n.sendToAllPeers(commit, true)

		n.globals.lastSentTransactionID.Store(tx.ID)
	}
	n.globals.unsentTransactions.Store(false)
}
