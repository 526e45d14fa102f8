package bus

import "github.com/nats-io/nats.go"

// natsSubscription adapts a NATS subscription to the Subscription interface.
// The nil checks let a half-constructed subscription unsubscribe safely.
type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	if s.sub == nil {
		return false
	}
	return s.sub.IsValid()
}
