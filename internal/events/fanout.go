package events

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/healingcredits/pkg/ledger"
)

// Fanout delivers every event to each publisher. One failing publisher does not stop the others.
type Fanout struct {
	publishers []ledger.EventPublisher
}

// NewFanout skips nil publishers.
func NewFanout(publishers ...ledger.EventPublisher) *Fanout {
	fanout := &Fanout{}
	for _, publisher := range publishers {
		if publisher != nil {
			fanout.publishers = append(fanout.publishers, publisher)
		}
	}
	return fanout
}

// Len reports how many publishers are wired.
func (fanout *Fanout) Len() int {
	return len(fanout.publishers)
}

func (fanout *Fanout) Publish(ctx context.Context, event ledger.BalanceChanged) error {
	var publishErrors error
	for _, publisher := range fanout.publishers {
		if err := publisher.Publish(ctx, event); err != nil {
			publishErrors = errors.Join(publishErrors, err)
		}
	}
	return publishErrors
}
