// Package leader wraps etcd-based leader election for hot-standby masters.
// Only the leader runs the scheduler loop and the liveness sweep; followers
// keep serving reads and queueing writes so a failover loses nothing.
package leader

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Election is one node's handle on the master election.
type Election struct {
	nodeID   string
	cli      *clientv3.Client
	session  *concurrency.Session
	election *concurrency.Election
}

// New connects to etcd and joins the election at key. ttl is the session
// TTL in seconds; losing the session for that long forfeits leadership.
func New(endpoints []string, key, nodeID string, ttl int) (*Election, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to etcd: %w", err)
	}

	session, err := concurrency.NewSession(cli, concurrency.WithTTL(ttl))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("create election session: %w", err)
	}

	return &Election{
		nodeID:   nodeID,
		cli:      cli,
		session:  session,
		election: concurrency.NewElection(session, key),
	}, nil
}

// Campaign blocks until this node becomes leader or ctx is cancelled.
func (e *Election) Campaign(ctx context.Context) error {
	if err := e.election.Campaign(ctx, e.nodeID); err != nil {
		return fmt.Errorf("election campaign: %w", err)
	}
	return nil
}

// Done is closed when the session expires and leadership is lost.
func (e *Election) Done() <-chan struct{} {
	return e.session.Done()
}

// Resign gives up leadership voluntarily.
func (e *Election) Resign(ctx context.Context) error {
	return e.election.Resign(ctx)
}

// Close tears down the session and the etcd connection.
func (e *Election) Close() {
	e.session.Close()
	e.cli.Close()
}
