// rendezvous.go specifies the messaging between peers and the rendezvous server.
package rendezvous

import (
	"fmt"
	"strings"
	"time"
)

type MsgType int

const (
	SenderToRendezvousAdvertise   MsgType = iota // Sender announces a fingerprint and the address it accepts links on
	RendezvousToSenderAdvertised                 // The advertisement is live, an instance ID is bound
	SenderToRendezvousConsumed                   // A key agreement was attempted, tombstone the advertisement
	SenderToRendezvousRearm                      // The session dropped after confirmation, accept the code again
	SenderToRendezvousRevoke                     // Sender withdraws the advertisement
	RendezvousToSenderExpired                    // The advertisement TTL elapsed
	ReceiverToRendezvousResolve                  // Receiver asks for the address of a fingerprint
	RendezvousToReceiverResolved                 // Rendezvous answers with the address
	RendezvousToReceiverError                    // Resolution failed, see the payload reason
)

// Reasons carried by RendezvousToReceiverError.
const (
	ReasonNotFound  = "not_found"
	ReasonAmbiguous = "ambiguous"
	ReasonExpired   = "expired"
)

type Msg struct {
	Type    MsgType `json:"type"`
	Payload Payload `json:"payload,omitempty"`
}

type Payload struct {
	ID          string        `json:"id,omitempty"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Address     string        `json:"address,omitempty"`
	TTL         time.Duration `json:"ttl,omitempty"`
	Expires     time.Time     `json:"expires,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

type Error struct {
	Expected []MsgType
	Got      MsgType
}

func (e Error) Error() string {
	var expectedMessageTypes []string
	for _, expectedType := range e.Expected {
		expectedMessageTypes = append(expectedMessageTypes, expectedType.Name())
	}
	oneOfExpected := strings.Join(expectedMessageTypes, ", ")
	return fmt.Sprintf("wrong message type, expected one of: (%s), got: (%s)", oneOfExpected, e.Got.Name())
}

func (t MsgType) Name() string {
	switch t {
	case SenderToRendezvousAdvertise:
		return "SenderToRendezvousAdvertise"
	case RendezvousToSenderAdvertised:
		return "RendezvousToSenderAdvertised"
	case SenderToRendezvousConsumed:
		return "SenderToRendezvousConsumed"
	case SenderToRendezvousRearm:
		return "SenderToRendezvousRearm"
	case SenderToRendezvousRevoke:
		return "SenderToRendezvousRevoke"
	case RendezvousToSenderExpired:
		return "RendezvousToSenderExpired"
	case ReceiverToRendezvousResolve:
		return "ReceiverToRendezvousResolve"
	case RendezvousToReceiverResolved:
		return "RendezvousToReceiverResolved"
	case RendezvousToReceiverError:
		return "RendezvousToReceiverError"
	default:
		return ""
	}
}
