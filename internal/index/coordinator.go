package index

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dreamware/shardex/internal/cluster"
	"github.com/dreamware/shardex/internal/messaging"
	"github.com/dreamware/shardex/internal/region"
)

// KindDestroyIndex is the message kind of a DestroyRequest.
const KindDestroyIndex messaging.Kind = "destroy-index"

// DestroyRequest asks the recipients to tear down their local storage of an
// index. The initiator already destroyed the index regions cluster-wide.
type DestroyRequest struct {
	IndexName   string             `json:"indexName"`
	RegionPath  string             `json:"regionPath"`
	ProcessorID string             `json:"processorId"`
	Recipients  []cluster.MemberID `json:"recipients"`
}

// Coordinator propagates an index destroy to the other data store members
// of the indexed region.
type Coordinator struct {
	dm     *messaging.Manager
	logger zerolog.Logger
	id     IndexID
}

// NewCoordinator returns the coordinator of index id.
func NewCoordinator(id IndexID, dm *messaging.Manager, logger zerolog.Logger) *Coordinator {
	return &Coordinator{id: id, dm: dm, logger: logger}
}

// DestroyOnRemoteMembers sends a DestroyRequest to every other member
// hosting buckets of base and waits until each acknowledged or left.
//
// Acknowledgments failing only because their member is shutting down are
// not errors. A wait interrupted by ctx or by the local member shutting
// down returns nil; ctx and the member's CancelCriterion still report the
// interruption to the caller.
func (c *Coordinator) DestroyOnRemoteMembers(ctx context.Context, base *region.Region) error {
	recipients := base.Advisor().AdviseDataStore()
	if len(recipients) == 0 {
		return nil
	}

	processor := messaging.NewReplyProcessor(c.dm, recipients)
	req := DestroyRequest{
		IndexName:   c.id.Name,
		RegionPath:  c.id.RegionPath,
		Recipients:  recipients,
		ProcessorID: processor.ID(),
	}
	msg, err := messaging.NewMessage(KindDestroyIndex, recipients, processor.ID(), req)
	if err != nil {
		return errors.Wrap(err, "encode destroy request")
	}
	c.logger.Debug().Interface("recipients", recipients).Msg("about to send destroy request")
	if err := c.dm.PutOutgoing(msg); err != nil {
		return errors.Wrap(err, "send destroy request")
	}
	c.logger.Debug().Interface("recipients", recipients).Msg("sent destroy request")

	err = processor.WaitForReplies(ctx)
	switch {
	case err == nil:
		return nil
	case messaging.IsInterrupted(err):
		if cerr := c.dm.CancelCriterion().CancelInProgress(); cerr != nil {
			c.logger.Debug().Err(cerr).Msg("destroy wait interrupted by shutdown")
			return nil
		}
		c.logger.Debug().Err(err).Msg("destroy wait interrupted")
		return nil
	}
	if re, ok := err.(*messaging.ReplyError); ok && cluster.IsCancel(re) {
		c.logger.Debug().Err(err).Msg("recipient shutting down, destroy acknowledged")
		return nil
	}
	return errors.Wrapf(err, "destroy index %s on remote members", c.id.UniqueName())
}
