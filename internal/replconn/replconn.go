// Package replconn models explicit, scoped ownership of a replication
// connection pair: the long-lived replication-protocol connection and its
// companion admin connection used for one-time attribute lookups.
//
// The Item Generator is the sole owner of a Handle for its lifetime and
// closes it unconditionally on return. An out-of-scope snapshot reader
// that wants to observe the same connection pair while a batch is in
// flight attaches a Ref instead of dialing its own connections; the Ref
// is severed the moment the owning Generator calls Close, so the
// snapshot reader never outlives the connection it borrowed.
package replconn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrHandleClosed is returned by a Ref once its owning Handle has been
// closed.
var ErrHandleClosed = errors.New("replconn: handle closed")

// Handle owns one replication connection and its companion admin
// connection for the duration of one Item Generator invocation.
type Handle struct {
	conn     *pgconn.PgConn
	attrConn *pgx.Conn

	mu     sync.Mutex
	closed bool
	refs   int
}

// Open dials the replication connection (replicationDSN, which must carry
// replication=database) and the companion admin connection (adminDSN),
// returning an owned Handle.
func Open(ctx context.Context, replicationDSN, adminDSN string) (*Handle, error) {
	conn, err := pgconn.Connect(ctx, replicationDSN)
	if err != nil {
		return nil, fmt.Errorf("connect replication stream: %w", err)
	}
	attrConn, err := pgx.Connect(ctx, adminDSN)
	if err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("connect admin lookup connection: %w", err)
	}
	return &Handle{conn: conn, attrConn: attrConn}, nil
}

// Conn returns the owned replication-protocol connection.
func (h *Handle) Conn() *pgconn.PgConn { return h.conn }

// AttrConn returns the owned admin connection used for attribute lookups.
func (h *Handle) AttrConn() *pgx.Conn { return h.attrConn }

// Attach returns a Ref onto this Handle's connections. The caller must
// call Release when done; the Ref stops resolving the moment the owning
// Generator closes the Handle, regardless of outstanding Refs.
func (h *Handle) Attach() *Ref {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
	return &Ref{h: h}
}

// Close closes both owned connections. It always closes, even with
// outstanding Refs attached -- ownership is exclusive to the Generator,
// and any attached Ref is severed rather than kept alive.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	var errs []error
	if err := h.conn.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close replication connection: %w", err))
	}
	if err := h.attrConn.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close admin connection: %w", err))
	}
	return errors.Join(errs...)
}

// Ref is a borrowed, non-owning view onto a Handle's connections.
type Ref struct {
	h *Handle
}

// Conn returns the admin connection for attribute/snapshot queries, or
// ErrHandleClosed if the owning Handle has since been closed.
func (r *Ref) Conn() (*pgx.Conn, error) {
	r.h.mu.Lock()
	defer r.h.mu.Unlock()
	if r.h.closed {
		return nil, ErrHandleClosed
	}
	return r.h.attrConn, nil
}

// Release gives up this Ref's claim on the Handle.
func (r *Ref) Release() {
	r.h.mu.Lock()
	if r.h.refs > 0 {
		r.h.refs--
	}
	r.h.mu.Unlock()
}
