package broker_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	qt "github.com/frankban/quicktest"

	"github.com/donlair/pubsub-sub004/internal/broker"
)

func TestLeaseManagerNeedsExtensionNearDeadline(t *testing.T) {
	c := qt.New(t)
	mock := clock.NewMock()
	lm := broker.NewLeaseManager(mock)

	msg := &broker.InternalMessage{AckID: "ack-1"}
	lm.AddLease(msg, 5*time.Second)

	c.Assert(lm.GetLeasesNeedingExtension(), qt.HasLen, 0)

	mock.Add(4 * time.Second) // 1s remains, within the 2s threshold
	due := lm.GetLeasesNeedingExtension()
	c.Assert(due, qt.HasLen, 1)
	c.Assert(due[0].AckID, qt.Equals, "ack-1")
}

func TestLeaseManagerExtendDeadline(t *testing.T) {
	c := qt.New(t)
	mock := clock.NewMock()
	lm := broker.NewLeaseManager(mock)
	msg := &broker.InternalMessage{AckID: "ack-1"}
	lm.AddLease(msg, 2*time.Second)

	lm.ExtendDeadline("ack-1", 10*time.Second)
	mock.Add(5 * time.Second)
	c.Assert(lm.GetExpiredLeases(), qt.HasLen, 0)
}

func TestLeaseManagerExpiry(t *testing.T) {
	c := qt.New(t)
	mock := clock.NewMock()
	lm := broker.NewLeaseManager(mock)
	msg := &broker.InternalMessage{AckID: "ack-1"}
	lm.AddLease(msg, time.Second)

	mock.Add(2 * time.Second)
	expired := lm.GetExpiredLeases()
	c.Assert(expired, qt.HasLen, 1)
	c.Assert(lm.Len(), qt.Equals, 0)
}

func TestLeaseManagerRemoveAndClear(t *testing.T) {
	c := qt.New(t)
	lm := broker.NewLeaseManager(clock.NewMock())
	lm.AddLease(&broker.InternalMessage{AckID: "a"}, time.Second)
	lm.AddLease(&broker.InternalMessage{AckID: "b"}, time.Second)

	lm.RemoveLease("a")
	c.Assert(lm.Len(), qt.Equals, 1)

	remaining := lm.Clear()
	c.Assert(remaining, qt.HasLen, 1)
	c.Assert(lm.Len(), qt.Equals, 0)
}
