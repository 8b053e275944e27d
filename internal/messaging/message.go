package messaging

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/dreamware/shardex/internal/cluster"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind selects the handler an inbound request is dispatched to.
type Kind string

// KindPing is answered by every started manager; it backs Manager.Ping.
const KindPing Kind = "ping"

// Message is a request sent to a set of recipients. When ProcessorID is set
// every recipient answers with a reply addressed to that processor.
type Message struct {
	Kind        Kind                `json:"kind"`
	Sender      cluster.MemberID    `json:"sender"`
	Recipients  []cluster.MemberID  `json:"recipients"`
	ProcessorID string              `json:"processor_id,omitempty"`
	Body        jsoniter.RawMessage `json:"body,omitempty"`
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Body, v)
}

// NewMessage encodes body into a message of the given kind.
func NewMessage(kind Kind, recipients []cluster.MemberID, processorID string, body any) (Message, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: kind, Recipients: recipients, ProcessorID: processorID, Body: raw}, nil
}

// reply acknowledges one request.
type reply struct {
	ProcessorID string           `json:"processor_id"`
	Sender      cluster.MemberID `json:"sender"`
	Failure     *failure         `json:"failure,omitempty"`
}

// failure is the wire form of an error raised by a remote handler.
type failure struct {
	Message   string `json:"message"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// envelope is the watermill payload; exactly one field is set.
type envelope struct {
	Request *Message `json:"request,omitempty"`
	Reply   *reply   `json:"reply,omitempty"`
}

func toFailure(err error) *failure {
	if err == nil {
		return nil
	}
	return &failure{Message: err.Error(), Cancelled: cluster.IsCancel(err)}
}

func (f *failure) toError(sender cluster.MemberID) error {
	if f.Cancelled {
		return &cluster.CancelError{Member: sender, Reason: f.Message}
	}
	return &RemoteError{Member: sender, Message: f.Message}
}

// RemoteError is a failure raised by a handler on another member.
type RemoteError struct {
	Member  cluster.MemberID
	Message string
}

// Error prefixes the remote failure with the sender.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("member %s: %s", e.Member, e.Message)
}
