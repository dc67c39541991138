package memory

import (
	"solana-feed-gateway/internal/feed"
)

// publish emits a change while the store lock is held so that changes
// reach feeds in mutation order. Marshal failures are not expected for
// domain records and drop the change.
func publish(pub feed.Publisher, op feed.Op, collection, id string, doc interface{}) {
	if pub == nil {
		return
	}
	c, err := feed.NewChange(op, collection, id, doc)
	if err != nil {
		return
	}
	pub.Publish(c)
}
