// Package workers drains the durable delivery queues. Each worker is a
// long-running pass-and-sleep loop; a pass claims due rows one at a
// time so multiple workers can share a queue.
package workers

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/solopub/solopub/models"
)

// DefaultInterval is how long a worker sleeps after draining its queue.
const DefaultInterval = 30 * time.Second

// outgoingQueue opens the delivery queue, overriding its retry budget
// when maxTries is positive.
func outgoingQueue(db *gorm.DB, maxTries int) *models.OutgoingActivities {
	queue := models.NewOutgoingActivities(db)
	if maxTries > 0 {
		queue.MaxTries = maxTries
	}
	return queue
}

// incomingQueue opens the processing queue, overriding its retry
// budget when maxTries is positive.
func incomingQueue(db *gorm.DB, maxTries int) *models.IncomingActivities {
	queue := models.NewIncomingActivities(db)
	if maxTries > 0 {
		queue.MaxTries = maxTries
	}
	return queue
}

// loop runs pass until ctx is cancelled, sleeping interval between
// passes. A pass error stops the worker; per-row failures are recorded
// on the rows instead.
func loop(interval time.Duration, pass func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		for {
			if err := pass(ctx); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
				// continue
			}
		}
	}
}
