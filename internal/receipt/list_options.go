package receipt

import (
	"strings"
	"time"
)

// SortOrder defines how receipts are ordered when listing.
type SortOrder int

const (
	// SortByConfirmedDesc orders receipts by ConfirmedAt, most recent first.
	SortByConfirmedDesc SortOrder = iota
	// SortByConfirmedAsc orders receipts by ConfirmedAt, oldest first.
	SortByConfirmedAsc
)

// ListOptions controls how receipts are selected when querying a store.
type ListOptions struct {
	Limit          int
	Offset         int
	AgentID        string
	Payer          string
	CallerAddress  string
	ConfirmedSince int64
	ConfirmedUntil int64
	Order          SortOrder
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Order != SortByConfirmedAsc {
		opts.Order = SortByConfirmedDesc
	}
	opts.AgentID = strings.TrimSpace(opts.AgentID)
	opts.Payer = strings.TrimSpace(opts.Payer)
	opts.CallerAddress = strings.TrimSpace(opts.CallerAddress)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of receipts returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset skips the first n matching receipts.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithAgent filters receipts by the called agent.
func WithAgent(agentID string) ListOption {
	return func(opts *ListOptions) { opts.AgentID = agentID }
}

// WithPayer filters receipts by the address that signed the payment.
func WithPayer(address string) ListOption {
	return func(opts *ListOptions) { opts.Payer = address }
}

// WithCaller filters receipts by the attributed root caller address.
func WithCaller(address string) ListOption {
	return func(opts *ListOptions) { opts.CallerAddress = address }
}

// WithConfirmedSince keeps receipts confirmed at or after ts.
func WithConfirmedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.ConfirmedSince = 0
			return
		}
		opts.ConfirmedSince = ts.UnixMilli()
	}
}

// WithConfirmedUntil keeps receipts confirmed at or before ts.
func WithConfirmedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.ConfirmedUntil = 0
			return
		}
		opts.ConfirmedUntil = ts.UnixMilli()
	}
}

// WithSortOrder changes the returned order.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// Matches reports whether r satisfies the filters in opts.
func (opts ListOptions) Matches(r *Receipt) bool {
	if opts.AgentID != "" && r.AgentID != opts.AgentID {
		return false
	}
	if opts.Payer != "" && !strings.EqualFold(r.Payer, opts.Payer) {
		return false
	}
	if opts.CallerAddress != "" && !strings.EqualFold(r.CallerAddress, opts.CallerAddress) {
		return false
	}
	ts := r.ConfirmedAt.UnixMilli()
	if opts.ConfirmedSince > 0 && ts < opts.ConfirmedSince {
		return false
	}
	if opts.ConfirmedUntil > 0 && ts > opts.ConfirmedUntil {
		return false
	}
	return true
}
